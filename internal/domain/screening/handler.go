package screening

import (
	"net/http"
	"strings"
	"time"

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
	read := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleLabTechnician, actor.RoleNurse, actor.RolePhysician))
	read.GET("/units/:id/tti-results", h.ListTTIResults)
	read.GET("/units/:id/tti-clearance", h.GetClearance)
	read.GET("/patients/:patient_id/groupings", h.ListGroupings)

	lab := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleLabTechnician))
	lab.POST("/tti-results", h.RecordTTIResult)
	lab.POST("/patient-groupings", h.RecordGrouping)
}

// ttiResultRequest accepts the legacy unit and lot aliases; canonical()
// collapses them before the service sees the request.
type ttiResultRequest struct {
	UnitID         string    `json:"unit_id"`
	BloodUnitID    string    `json:"blood_unit_id"`
	TestName       string    `json:"test_name"`
	Method         string    `json:"method"`
	KitLotNumber   string    `json:"kit_lot_number"`
	KitLot         string    `json:"kit_lot"`
	Result         string    `json:"result"`
	VerifiedBy     string    `json:"verified_by"`
	TestedAt       time.Time `json:"tested_at"`
	IsCorrection   bool      `json:"is_correction"`
	CorrectionFlag bool      `json:"correction"`
}

func (r ttiResultRequest) canonical() (RecordTTIRequest, error) {
	raw := r.UnitID
	if raw == "" {
		raw = r.BloodUnitID
	}
	unitID, err := uuid.Parse(raw)
	if err != nil {
		return RecordTTIRequest{}, apperr.Validation("unit_id", "invalid uuid")
	}
	lot := r.KitLotNumber
	if lot == "" {
		lot = r.KitLot
	}
	return RecordTTIRequest{
		UnitID:       unitID,
		TestName:     r.TestName,
		Method:       r.Method,
		KitLotNumber: lot,
		Result:       Outcome(strings.ToUpper(strings.TrimSpace(r.Result))),
		VerifiedBy:   r.VerifiedBy,
		TestedAt:     r.TestedAt,
		Correction:   r.IsCorrection || r.CorrectionFlag,
	}, nil
}

func (h *Handler) RecordTTIResult(c echo.Context) error {
	var body ttiResultRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := body.canonical()
	if err != nil {
		return apperr.ToHTTP(err)
	}
	res, err := h.svc.RecordTTIResult(c.Request().Context(), actor.FromEcho(c), req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListTTIResults(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListTTIResults(c.Request().Context(), id, c.QueryParam("history") == "true")
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetClearance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cl, err := h.svc.TTIClearance(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type groupingRequest struct {
	PatientID          string    `json:"patient_id"`
	PatientIDAlias     string    `json:"patientId"`
	BloodGroup         string    `json:"blood_group"`
	Antibodies         []string  `json:"antibodies"`
	VerificationMethod string    `json:"verification_method"`
	SampleID           string    `json:"sample_id"`
	VerifiedBy         string    `json:"verified_by"`
	TypedAt            time.Time `json:"typed_at"`
}

func (r groupingRequest) canonical() (GroupingRequest, error) {
	raw := r.PatientID
	if raw == "" {
		raw = r.PatientIDAlias
	}
	patientID, err := uuid.Parse(raw)
	if err != nil {
		return GroupingRequest{}, apperr.Validation("patient_id", "invalid uuid")
	}
	group, _ := bloodunit.ParseBloodGroup(r.BloodGroup)
	return GroupingRequest{
		PatientID:          patientID,
		BloodGroup:         group,
		Antibodies:         r.Antibodies,
		VerificationMethod: VerificationMethod(strings.ToUpper(strings.TrimSpace(r.VerificationMethod))),
		SampleID:           r.SampleID,
		VerifiedBy:         r.VerifiedBy,
		TypedAt:            r.TypedAt,
	}, nil
}

func (h *Handler) RecordGrouping(c echo.Context) error {
	var body groupingRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := body.canonical()
	if err != nil {
		return apperr.ToHTTP(err)
	}
	g, err := h.svc.RecordPatientGrouping(c.Request().Context(), actor.FromEcho(c), req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) ListGroupings(c echo.Context) error {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	items, err := h.svc.GetPatientGrouping(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}
