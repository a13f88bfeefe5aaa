// Package actor carries the authenticated principal into every core
// operation as an explicit argument.
package actor

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/auth"
)

const (
	RoleAdmin            = auth.AdminRole
	RoleBloodBankOfficer = "blood_bank_officer"
	RoleLabTechnician    = "lab_technician"
	RoleNurse            = "nurse"
	RolePhysician        = "physician"
	RoleSystem           = "system"
)

type Actor struct {
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles"`
	BranchID  uuid.UUID `json:"branch_id"`
	RequestID string    `json:"request_id,omitempty"`
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// CanAccess reports whether the actor may act on records of branchID.
// Principals without a branch claim, admins and the system actor are not
// branch scoped.
func (a Actor) CanAccess(branchID uuid.UUID) bool {
	return a.BranchID == uuid.Nil || a.BranchID == branchID || a.HasRole(RoleSystem)
}

// CheckBranch returns a ForbiddenError when branchID is outside the actor's
// scope.
func (a Actor) CheckBranch(resource string, branchID uuid.UUID) error {
	if a.CanAccess(branchID) {
		return nil
	}
	return apperr.Forbidden(resource, "branch %s is outside the scope of %s", branchID, a.UserID)
}

// System is the principal used by background jobs.
func System(branchID uuid.UUID) Actor {
	return Actor{UserID: "system", Roles: []string{RoleSystem}, BranchID: branchID}
}

// FromEcho builds the actor from the values the auth and request-id
// middleware placed on the request.
func FromEcho(c echo.Context) Actor {
	ctx := c.Request().Context()
	a := Actor{
		UserID: auth.UserIDFromContext(ctx),
		Roles:  auth.RolesFromContext(ctx),
	}
	if b := auth.BranchFromContext(ctx); b != "" {
		if id, err := uuid.Parse(b); err == nil {
			a.BranchID = id
		}
	}
	if rid, ok := c.Get("request_id").(string); ok {
		a.RequestID = rid
	}
	return a
}
