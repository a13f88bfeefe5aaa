package transfusion_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/domain/transfusion"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/auth"
	"github.com/ehr/bloodbank/internal/testutil/fixture"
)

func send(e *echo.Echo, method, target, body string, a actor.Actor) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, a.UserID)
	ctx = context.WithValue(ctx, auth.UserRolesKey, a.Roles)
	ctx = context.WithValue(ctx, auth.BranchIDKey, a.BranchID.String())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestRoutes_RecordVitals(t *testing.T) {
	env := fixture.New(t)
	issue, _ := env.Transfusing(t)
	e := echo.New()
	transfusion.NewHandler(env.Transfusion).RegisterRoutes(e.Group("/api/v1"))
	target := "/api/v1/issues/" + issue.ID.String() + "/vitals"

	rec := send(e, http.MethodPost, target, `{"interval":" 15min ","pulse":84,"spo2":98}`, fixture.Nurse)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v transfusion.TransfusionVitals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, transfusion.Interval15Min, v.Interval)
	assert.Equal(t, "nurse-1", v.RecordedBy)

	rec = send(e, http.MethodPost, target, `{"interval":"15MIN","pulse":90}`, fixture.Nurse)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = send(e, http.MethodPost, target, `{"spo2":140}`, fixture.Nurse)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(e, http.MethodGet, target, "", fixture.Nurse)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []transfusion.TransfusionVitals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, 84, *got[0].Vitals.Pulse)
}

func TestRoutes_RecordVitals_Rejects(t *testing.T) {
	env := fixture.New(t)
	e := echo.New()
	transfusion.NewHandler(env.Transfusion).RegisterRoutes(e.Group("/api/v1"))
	tech := actor.Actor{UserID: "tech-1", Roles: []string{actor.RoleLabTechnician}, BranchID: fixture.Branch}

	assert.Equal(t, http.StatusBadRequest, send(e, http.MethodPost, "/api/v1/issues/nope/vitals", `{}`, fixture.Nurse).Code)
	assert.Equal(t, http.StatusForbidden,
		send(e, http.MethodPost, "/api/v1/issues/"+uuid.NewString()+"/vitals", `{}`, tech).Code)
	assert.Equal(t, http.StatusNotFound,
		send(e, http.MethodPost, "/api/v1/issues/"+uuid.NewString()+"/vitals", `{"pulse":80}`, fixture.Nurse).Code)
}
