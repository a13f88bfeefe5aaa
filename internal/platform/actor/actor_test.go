package actor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/auth"
)

func TestHasRole_AdminPassesEverything(t *testing.T) {
	a := Actor{Roles: []string{RoleAdmin}}
	if !a.HasRole(RoleBloodBankOfficer) {
		t.Error("expected admin to satisfy any role")
	}
	n := Actor{Roles: []string{RoleNurse}}
	if n.HasRole(RoleBloodBankOfficer) {
		t.Error("expected nurse not to be an officer")
	}
}

func TestFromEcho(t *testing.T) {
	branch := uuid.New()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "nurse-1")
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{RoleNurse})
	ctx = context.WithValue(ctx, auth.BranchIDKey, branch.String())
	req = req.WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-9")

	a := FromEcho(c)
	if a.UserID != "nurse-1" || a.BranchID != branch || a.RequestID != "req-9" {
		t.Errorf("unexpected actor: %+v", a)
	}
	if !a.HasRole(RoleNurse) {
		t.Error("expected nurse role")
	}
}

func TestCheckBranch(t *testing.T) {
	home, other := uuid.New(), uuid.New()
	tests := []struct {
		name  string
		actor Actor
		ok    bool
	}{
		{"same branch", Actor{UserID: "o", Roles: []string{RoleBloodBankOfficer}, BranchID: home}, true},
		{"other branch", Actor{UserID: "o", Roles: []string{RoleBloodBankOfficer}, BranchID: other}, false},
		{"unscoped", Actor{UserID: "o", Roles: []string{RoleBloodBankOfficer}}, true},
		{"admin", Actor{UserID: "a", Roles: []string{RoleAdmin}, BranchID: other}, true},
		{"system", System(other), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.actor.CheckBranch("blood_unit", home)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, apperr.ErrForbidden) {
				t.Errorf("expected ErrForbidden, got %v", err)
			}
		})
	}
}
