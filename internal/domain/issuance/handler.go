package issuance

import (
	"net/http"

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
	clinical := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleNurse, actor.RolePhysician))
	clinical.GET("/issues/:id", h.GetIssue)
	clinical.GET("/units/:id/issue", h.GetIssueByUnit)
	clinical.GET("/issues/:id/bedside-verifications", h.ListBedside)
	clinical.POST("/issues/:id/bedside-verification", h.BedsideVerify)

	officer := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer))
	officer.POST("/issues", h.Issue)
}

type overrideBody struct {
	Gate   string `json:"gate"`
	Reason string `json:"reason"`
}

// issueRequest accepts the legacy unit, patient and cross-match spellings.
type issueRequest struct {
	UnitID             string        `json:"unit_id"`
	BloodUnitID        string        `json:"blood_unit_id"`
	PatientID          string        `json:"patient_id"`
	PatientIDAlias     string        `json:"patientId"`
	CrossMatchID       string        `json:"cross_match_id"`
	CrossmatchID       string        `json:"crossmatch_id"`
	IssuedToPerson     string        `json:"issued_to_person"`
	IssuedToWard       string        `json:"issued_to_ward"`
	TransportBoxTemp   *float64      `json:"transport_box_temp"`
	VisualInspectionOK *bool         `json:"visual_inspection_ok"`
	Override           *overrideBody `json:"override"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (r issueRequest) canonical() (IssueRequest, error) {
	unitID, err := uuid.Parse(firstNonEmpty(r.UnitID, r.BloodUnitID))
	if err != nil {
		return IssueRequest{}, apperr.Validation("unit_id", "invalid uuid")
	}
	patientID, err := uuid.Parse(firstNonEmpty(r.PatientID, r.PatientIDAlias))
	if err != nil {
		return IssueRequest{}, apperr.Validation("patient_id", "invalid uuid")
	}
	req := IssueRequest{
		UnitID:             unitID,
		PatientID:          patientID,
		Mode:               ModeStandard,
		IssuedToPerson:     r.IssuedToPerson,
		IssuedToWard:       r.IssuedToWard,
		TransportBoxTemp:   r.TransportBoxTemp,
		VisualInspectionOK: r.VisualInspectionOK,
	}
	if raw := firstNonEmpty(r.CrossMatchID, r.CrossmatchID); raw != "" {
		if req.CrossMatchID, err = uuid.Parse(raw); err != nil {
			return IssueRequest{}, apperr.Validation("cross_match_id", "invalid uuid")
		}
	}
	if r.Override != nil {
		req.Override = &OverrideRequest{Gate: r.Override.Gate, Reason: r.Override.Reason}
	}
	return req, nil
}

func (h *Handler) Issue(c echo.Context) error {
	var body issueRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := body.canonical()
	if err != nil {
		return apperr.ToHTTP(err)
	}
	rec, err := h.svc.AuthorizeIssue(c.Request().Context(), actor.FromEcho(c), req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

type bedsideRequest struct {
	ScannedPatientID   string `json:"scanned_patient_id"`
	ScannedUnitBarcode string `json:"scanned_unit_barcode"`
	Verifier1          string `json:"verifier1"`
	Verifier2          string `json:"verifier2"`
}

func (h *Handler) BedsideVerify(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body bedsideRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := uuid.Parse(body.ScannedPatientID)
	if err != nil {
		return apperr.ToHTTP(apperr.Validation("scanned_patient_id", "invalid uuid"))
	}
	v, err := h.svc.BedsideVerify(c.Request().Context(), actor.FromEcho(c), BedsideRequest{
		IssueID:            id,
		ScannedPatientID:   patientID,
		ScannedUnitBarcode: body.ScannedUnitBarcode,
		Verifier1:          body.Verifier1,
		Verifier2:          body.Verifier2,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetIssue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetIssue(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetIssueByUnit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetIssueByUnit(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListBedside(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListBedside(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}
