package mtp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/mtp"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/auth"
	"github.com/ehr/bloodbank/internal/testutil/fixture"
)

func asUser(req *http.Request, a actor.Actor) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserIDKey, a.UserID)
	ctx = context.WithValue(ctx, auth.UserRolesKey, a.Roles)
	ctx = context.WithValue(ctx, auth.BranchIDKey, a.BranchID.String())
	return req.WithContext(ctx)
}

func TestHandler_Release(t *testing.T) {
	env := fixture.New(t)
	stock(t, env, 1, bloodunit.ONeg, bloodunit.ComponentPRBC)
	h := mtp.NewHandler(env.MTP)
	e := echo.New()
	patient := uuid.New()

	body := `{"patientId":"` + patient.String() + `","prbc":2,"issued_to_ward":"theatre 4"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mtp/releases", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(asUser(req, fixture.Officer), rec)

	require.NoError(t, h.Release(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var rel mtp.Release
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rel))
	assert.Equal(t, fixture.Branch, rel.BranchID)
	assert.Equal(t, patient, rel.PatientID)
	assert.Equal(t, 1, rel.PRBCUnits)
	assert.True(t, rel.PartialFulfillment)
	assert.Equal(t, "officer-1", rel.ReleasedBy)
}

func TestHandler_Release_BadRequest(t *testing.T) {
	env := fixture.New(t)
	h := mtp.NewHandler(env.MTP)
	e := echo.New()

	tests := []struct {
		name string
		body string
	}{
		{"missing patient", `{"prbc":1}`},
		{"bad group", `{"patient_id":"` + uuid.NewString() + `","blood_group":"Q+","prbc":1}`},
		{"empty pack", `{"patient_id":"` + uuid.NewString() + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/mtp/releases", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			c := e.NewContext(asUser(req, fixture.Officer), httptest.NewRecorder())

			err := h.Release(c)
			var he *echo.HTTPError
			require.True(t, errors.As(err, &he), "got %v", err)
			assert.Equal(t, http.StatusBadRequest, he.Code)
		})
	}
}

func TestHandler_Release_BodyBranchOutsideScope(t *testing.T) {
	env := fixture.New(t)
	stock(t, env, 1, bloodunit.ONeg, bloodunit.ComponentPRBC)
	e := echo.New()
	mtp.NewHandler(env.MTP).RegisterRoutes(e.Group("/api/v1"))
	outsider := actor.Actor{UserID: "officer-9", Roles: []string{actor.RoleBloodBankOfficer}, BranchID: uuid.New()}

	body := `{"branch_id":"` + fixture.Branch.String() + `","patient_id":"` + uuid.NewString() + `","prbc":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mtp/releases", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, asUser(req, outsider))
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestHandler_GetRelease(t *testing.T) {
	env := fixture.New(t)
	stock(t, env, 1, bloodunit.ONeg, bloodunit.ComponentPRBC)
	rel, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), PRBC: 1,
	})
	require.NoError(t, err)
	h := mtp.NewHandler(env.MTP)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rel.ID.String())
	require.NoError(t, h.Get(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	var he *echo.HTTPError
	require.ErrorAs(t, h.Get(c), &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}

func TestRoutes_NurseCannotReleasePack(t *testing.T) {
	env := fixture.New(t)
	e := echo.New()
	mtp.NewHandler(env.MTP).RegisterRoutes(e.Group("/api/v1"))

	body := `{"patient_id":"` + uuid.NewString() + `","prbc":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mtp/releases", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, asUser(req, fixture.Nurse))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+uuid.NewString()+"/mtp/releases", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, asUser(req, fixture.Nurse))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutes_ArchiveReadBack(t *testing.T) {
	env := fixture.New(t)
	stock(t, env, 1, bloodunit.ONeg, bloodunit.ComponentPRBC)
	rel, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), PRBC: 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rel.ArchiveKey)
	e := echo.New()
	mtp.NewHandler(env.MTP).RegisterRoutes(e.Group("/api/v1"))

	get := func(target string, a actor.Actor) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, target, nil), a))
		return rec
	}

	rec := get("/api/v1/mtp/releases/"+rel.ID.String()+"/archive", fixture.Officer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, rel.ArchiveKey, rec.Header().Get("X-Archive-Key"))
	var archived mtp.Release
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &archived))
	assert.Equal(t, rel.ID, archived.ID)
	assert.Equal(t, rel.PRBCUnits, archived.PRBCUnits)

	rec = get("/api/v1/branches/"+fixture.Branch.String()+"/mtp/archive", fixture.Officer)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, rel.ArchiveKey, keys[0].Key)

	rec = get("/api/v1/branches/"+uuid.NewString()+"/mtp/archive", fixture.Officer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get("/api/v1/mtp/releases/"+uuid.NewString()+"/archive", fixture.Officer).Code)
	assert.Equal(t, http.StatusForbidden, get("/api/v1/mtp/releases/"+rel.ID.String()+"/archive", fixture.Nurse).Code)
}
