package mtp

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
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
	read := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RolePhysician, actor.RoleNurse))
	read.GET("/mtp/releases/:id", h.Get)
	read.GET("/patients/:patient_id/mtp/releases", h.ListByPatient)

	officer := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer))
	officer.POST("/mtp/releases", h.Release)
	officer.GET("/mtp/releases/:id/archive", h.GetArchive)
	officer.GET("/branches/:branch_id/mtp/archive", h.ListArchive)
}

// packRequest takes the branch from the caller when omitted.
type packRequest struct {
	BranchID       string `json:"branch_id"`
	PatientID      string `json:"patient_id"`
	PatientIDAlias string `json:"patientId"`
	BloodGroup     string `json:"blood_group"`
	PRBC           int    `json:"prbc"`
	FFP            int    `json:"ffp"`
	Platelets      int    `json:"platelets"`
	IssuedToPerson string `json:"issued_to_person"`
	IssuedToWard   string `json:"issued_to_ward"`
}

func (r packRequest) canonical(a actor.Actor) (PackRequest, error) {
	out := PackRequest{
		BranchID:       a.BranchID,
		PRBC:           r.PRBC,
		FFP:            r.FFP,
		Platelets:      r.Platelets,
		IssuedToPerson: r.IssuedToPerson,
		IssuedToWard:   r.IssuedToWard,
	}
	if r.BranchID != "" {
		id, err := uuid.Parse(r.BranchID)
		if err != nil {
			return PackRequest{}, apperr.Validation("branch_id", "invalid uuid")
		}
		out.BranchID = id
	}
	rawPatient := r.PatientID
	if rawPatient == "" {
		rawPatient = r.PatientIDAlias
	}
	patientID, err := uuid.Parse(rawPatient)
	if err != nil {
		return PackRequest{}, apperr.Validation("patient_id", "invalid uuid")
	}
	out.PatientID = patientID
	if r.BloodGroup != "" {
		g, ok := bloodunit.ParseBloodGroup(r.BloodGroup)
		if !ok {
			return PackRequest{}, apperr.Validation("blood_group", "unknown blood group %q", r.BloodGroup)
		}
		out.BloodGroup = &g
	}
	return out, nil
}

func (h *Handler) Release(c echo.Context) error {
	var body packRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a := actor.FromEcho(c)
	req, err := body.canonical(a)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	rel, err := h.svc.ReleasePack(c.Request().Context(), a, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, rel)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rel, err := h.svc.GetRelease(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rel)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	items, err := h.svc.ListReleases(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetArchive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	info, body, err := h.svc.ArchivedRelease(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set("X-Archive-Key", info.Key)
	return c.Blob(http.StatusOK, info.ContentType, body)
}

func (h *Handler) ListArchive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("branch_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid branch_id")
	}
	items, err := h.svc.ListArchive(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}
