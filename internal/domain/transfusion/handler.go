package transfusion

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
	g := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleNurse, actor.RolePhysician))
	g.GET("/issues/:id/vitals", h.ListVitals)
	g.POST("/issues/:id/vitals", h.RecordVitals)
}

type vitalsRequest struct {
	Interval string `json:"interval"`
	Vitals
	AdverseReaction string `json:"adverse_reaction"`
}

func (h *Handler) RecordVitals(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body vitalsRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.RecordVitals(c.Request().Context(), actor.FromEcho(c), VitalsRequest{
		IssueID:         id,
		Interval:        Interval(strings.ToUpper(strings.TrimSpace(body.Interval))),
		Vitals:          body.Vitals,
		AdverseReaction: body.AdverseReaction,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListVitals(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListVitals(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}
