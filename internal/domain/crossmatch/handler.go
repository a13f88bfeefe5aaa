package crossmatch

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleLabTechnician, actor.RoleNurse, actor.RolePhysician))
	read.GET("/crossmatches/:id", h.Get)
	read.GET("/units/:id/reservation", h.ActiveForUnit)
	read.GET("/patients/:patient_id/crossmatches", h.ListByPatient)

	lab := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleLabTechnician))
	lab.POST("/crossmatches", h.Reserve)
	lab.POST("/crossmatches/:id/result", h.RecordResult)
	lab.POST("/crossmatches/:id/release", h.Release)
}

// reserveRequest accepts the legacy unit and patient spellings.
type reserveRequest struct {
	UnitID         string `json:"unit_id"`
	BloodUnitID    string `json:"blood_unit_id"`
	PatientID      string `json:"patient_id"`
	PatientIDAlias string `json:"patientId"`
	Method         string `json:"method"`
}

func (r reserveRequest) canonical() (ReserveRequest, error) {
	rawUnit := r.UnitID
	if rawUnit == "" {
		rawUnit = r.BloodUnitID
	}
	unitID, err := uuid.Parse(rawUnit)
	if err != nil {
		return ReserveRequest{}, apperr.Validation("unit_id", "invalid uuid")
	}
	rawPatient := r.PatientID
	if rawPatient == "" {
		rawPatient = r.PatientIDAlias
	}
	patientID, err := uuid.Parse(rawPatient)
	if err != nil {
		return ReserveRequest{}, apperr.Validation("patient_id", "invalid uuid")
	}
	return ReserveRequest{
		UnitID:    unitID,
		PatientID: patientID,
		Method:    Method(strings.ToUpper(strings.TrimSpace(r.Method))),
	}, nil
}

func (h *Handler) Reserve(c echo.Context) error {
	var body reserveRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := body.canonical()
	if err != nil {
		return apperr.ToHTTP(err)
	}
	rec, err := h.svc.Reserve(c.Request().Context(), actor.FromEcho(c), req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

type resultRequest struct {
	Result string `json:"result"`
}

func (h *Handler) RecordResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body resultRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.RecordResult(c.Request().Context(), actor.FromEcho(c), id, Result(strings.ToUpper(body.Result)))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Release(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body releaseRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Release(c.Request().Context(), actor.FromEcho(c), id, body.Reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ActiveForUnit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.ActiveForUnit(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	items, err := h.svc.ListByPatient(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}
