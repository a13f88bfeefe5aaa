package bloodunit

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/auth"
	"github.com/ehr/bloodbank/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleLabTechnician, actor.RoleNurse, actor.RolePhysician))
	read.GET("/units", h.ListUnits)
	read.GET("/units/:id", h.GetUnit)
	read.GET("/units/barcode/:barcode", h.GetUnitByBarcode)
	read.GET("/units/:id/history", h.GetHistory)
	read.GET("/units/:id/discard", h.GetDiscard)

	lab := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleLabTechnician))
	lab.POST("/units", h.RegisterUnit)
	lab.POST("/units/:id/release", h.ReleaseToInventory)
	lab.POST("/units/:id/discard", h.DiscardUnit)

	storage := api.Group("", auth.RequireRole(actor.RoleBloodBankOfficer, actor.RoleLabTechnician, actor.RoleNurse))
	storage.POST("/units/:id/cold-chain-breach", h.RecordColdChainBreach)
}

type registerUnitRequest struct {
	BranchID       string    `json:"branch_id"`
	UnitNumber     string    `json:"unit_number"`
	Barcode        string    `json:"barcode"`
	BloodGroup     string    `json:"blood_group"`
	Component      string    `json:"component"`
	CollectionDate time.Time `json:"collection_date"`
	ExpiryDate     time.Time `json:"expiry_date"`
	VolumeML       int       `json:"volume_ml"`
}

func (h *Handler) RegisterUnit(c echo.Context) error {
	var req registerUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var branch uuid.UUID
	if req.BranchID != "" {
		id, err := uuid.Parse(req.BranchID)
		if err != nil {
			return apperr.ToHTTP(apperr.Validation("branch_id", "invalid uuid"))
		}
		branch = id
	}
	group, _ := ParseBloodGroup(req.BloodGroup)

	u, err := h.svc.Register(c.Request().Context(), actor.FromEcho(c), RegisterRequest{
		BranchID:       branch,
		UnitNumber:     req.UnitNumber,
		Barcode:        req.Barcode,
		BloodGroup:     group,
		Component:      Component(strings.ToUpper(req.Component)),
		CollectionDate: req.CollectionDate,
		ExpiryDate:     req.ExpiryDate,
		VolumeML:       req.VolumeML,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetUnit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) GetUnitByBarcode(c echo.Context) error {
	u, err := h.svc.GetByBarcode(c.Request().Context(), c.Param("barcode"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUnits(c echo.Context) error {
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	var f Filter
	if b := c.QueryParam("branch_id"); b != "" {
		id, err := uuid.Parse(b)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid branch_id")
		}
		f.BranchID = &id
	}
	if st := c.QueryParam("status"); st != "" {
		for _, s := range strings.Split(st, ",") {
			status := Status(strings.ToUpper(strings.TrimSpace(s)))
			if !ValidStatus(status) {
				return apperr.ToHTTP(apperr.Validation("status", "unknown status %q", s))
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if comp := c.QueryParam("component"); comp != "" {
		f.Component = Component(strings.ToUpper(comp))
	}
	if g := c.QueryParam("blood_group"); g != "" {
		group, ok := ParseBloodGroup(g)
		if !ok {
			return apperr.ToHTTP(apperr.Validation("blood_group", "unknown blood group %q", g))
		}
		f.BloodGroup = group
	}

	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg, c.Request().URL))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	changes, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, changes)
}

func (h *Handler) ReleaseToInventory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, err := h.svc.ReleaseToInventory(c.Request().Context(), actor.FromEcho(c), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

type coldChainRequest struct {
	Details string `json:"details"`
}

func (h *Handler) RecordColdChainBreach(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req coldChainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.RecordColdChainBreach(c.Request().Context(), actor.FromEcho(c), id, req.Details)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

type discardRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

func (h *Handler) DiscardUnit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req discardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.Discard(c.Request().Context(), actor.FromEcho(c), DiscardRequest{
		UnitID: id,
		Reason: DiscardReason(strings.ToUpper(req.Reason)),
		Notes:  req.Notes,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetDiscard(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.GetDiscard(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}
