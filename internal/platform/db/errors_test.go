package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/bloodbank/internal/platform/apperr"
)

func TestTranslate(t *testing.T) {
	if !errors.Is(Translate(pgx.ErrNoRows), apperr.ErrNotFound) {
		t.Error("expected ErrNoRows to become ErrNotFound")
	}
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "cross_match_one_active"})
	if !errors.Is(Translate(dup), apperr.ErrConflict) {
		t.Error("expected unique violation to become ErrConflict")
	}
	for _, code := range []string{"40001", "40P01"} {
		aborted := fmt.Errorf("update: %w", &pgconn.PgError{Code: code})
		got := Translate(aborted)
		if !errors.Is(got, apperr.ErrConflict) {
			t.Errorf("expected %s to become ErrConflict, got %v", code, got)
		}
		var pgErr *pgconn.PgError
		if !errors.As(got, &pgErr) || pgErr.Code != code {
			t.Errorf("expected %s driver error to stay reachable", code)
		}
		if apperr.KindOf(got) != apperr.KindConflict {
			t.Errorf("expected %s to be a conflict", code)
		}
	}
	other := errors.New("connection reset")
	if Translate(other) != other {
		t.Error("expected unknown errors to pass through")
	}
	if Translate(nil) != nil {
		t.Error("expected nil to stay nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pgconn.PgError{Code: "40P01"}) {
		t.Error("expected deadlock to be retryable")
	}
	if IsRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Error("expected unique violation not to be retryable")
	}
	if IsRetryable(errors.New("boom")) {
		t.Error("expected plain errors not to be retryable")
	}
}

func TestIsUniqueViolation_Constraint(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: "discard_record_unit_id_key"}
	if !IsUniqueViolation(err, "discard_record_unit_id_key") {
		t.Error("expected match on constraint name")
	}
	if IsUniqueViolation(err, "other") {
		t.Error("expected no match on a different constraint")
	}
}
