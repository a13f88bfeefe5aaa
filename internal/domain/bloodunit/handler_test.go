package bloodunit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/auth"
)

func withActor(req *http.Request, a actor.Actor) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserIDKey, a.UserID)
	ctx = context.WithValue(ctx, auth.UserRolesKey, a.Roles)
	ctx = context.WithValue(ctx, auth.BranchIDKey, a.BranchID.String())
	return req.WithContext(ctx)
}

type unitPage struct {
	Items   []*BloodUnit `json:"items"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Next    string       `json:"next"`
}

func TestHandler_ListUnits_Paginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.available(t, fmt.Sprintf("W%03d", i))
	}
	f.register(t, "W900")
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/units?status=available&limit=2", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.ListUnits(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var page unitPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Contains(t, page.Next, "offset=2")
	assert.Contains(t, page.Next, "status=available")
	for _, u := range page.Items {
		assert.Equal(t, StatusAvailable, u.Status)
	}
}

func TestHandler_ListUnits_BadFilters(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	for _, q := range []string{"status=FROZEN", "blood_group=Z", "branch_id=nope", "limit=-1"} {
		t.Run(q, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/units?"+q, nil)
			err := h.ListUnits(e.NewContext(req, httptest.NewRecorder()))
			var he *echo.HTTPError
			require.True(t, errors.As(err, &he), "got %v", err)
			assert.Equal(t, http.StatusBadRequest, he.Code)
		})
	}
}

func TestHandler_RegisterUnit_UsesActorBranch(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"unit_number":"W777","barcode":"=W777","blood_group":"AB_POS","component":"ffp",` +
		`"collection_date":"2026-02-28T08:00:00Z","expiry_date":"2027-02-28T08:00:00Z","volume_ml":220}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/units", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.RegisterUnit(e.NewContext(withActor(req, tech), rec)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var u BloodUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, branch, u.BranchID)
	assert.Equal(t, ComponentFFP, u.Component)
	assert.Equal(t, StatusCollected, u.Status)
}

func TestRoutes_NurseCannotDiscard(t *testing.T) {
	f := newFixture(t)
	u := f.available(t, "W100")
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	nurse := actor.Actor{UserID: "nurse-1", Roles: []string{actor.RoleNurse}, BranchID: branch}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/units/"+u.ID.String()+"/discard", strings.NewReader(`{"reason":"EXPIRED"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, withActor(req, nurse))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/units/"+u.ID.String(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, withActor(req, nurse))
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/units/"+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, withActor(req, nurse))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
