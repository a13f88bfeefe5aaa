package screening

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
)

type Outcome string

const (
	OutcomeReactive      Outcome = "REACTIVE"
	OutcomeNonReactive   Outcome = "NON_REACTIVE"
	OutcomeIndeterminate Outcome = "INDETERMINATE"
	OutcomePending       Outcome = "PENDING"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeReactive, OutcomeNonReactive, OutcomeIndeterminate, OutcomePending:
		return true
	}
	return false
}

// Disqualifying reports whether the outcome makes the unit unusable.
func (o Outcome) Disqualifying() bool {
	return o == OutcomeReactive || o == OutcomeIndeterminate
}

// TTIResult is the current (or a superseded) result of one screening test on
// one unit. At most one non-superseded row exists per (UnitID, TestName).
type TTIResult struct {
	ID           uuid.UUID  `json:"id"`
	UnitID       uuid.UUID  `json:"unit_id"`
	TestName     string     `json:"test_name"`
	Method       string     `json:"method,omitempty"`
	KitLotNumber string     `json:"kit_lot_number,omitempty"`
	Result       Outcome    `json:"result"`
	VerifiedBy   string     `json:"verified_by,omitempty"`
	TestedAt     time.Time  `json:"tested_at"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	Correction   bool       `json:"correction"`
	CorrectionOf *uuid.UUID `json:"correction_of,omitempty"`
	Superseded   bool       `json:"superseded"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (r *TTIResult) Verified() bool {
	return r.VerifiedBy != "" && r.Result != OutcomePending
}

// sameAs reports whether an incoming submission repeats r.
func (r *TTIResult) sameAs(req RecordTTIRequest) bool {
	return r.Result == req.Result &&
		r.Method == req.Method &&
		r.KitLotNumber == req.KitLotNumber &&
		r.VerifiedBy == req.VerifiedBy
}

// Clearance summarises the screening panel of one unit.
type Clearance struct {
	UnitID  uuid.UUID `json:"unit_id"`
	Cleared bool      `json:"cleared"`
	Missing []string  `json:"missing,omitempty"`
	Failing []string  `json:"failing,omitempty"`
}

type VerificationMethod string

const (
	VerificationWristband VerificationMethod = "WRISTBAND_SCAN"
	VerificationManual    VerificationMethod = "MANUAL"
)

func (m VerificationMethod) Valid() bool {
	return m == VerificationWristband || m == VerificationManual
}

// PatientGrouping is one ABO/Rh typing of one patient sample.
type PatientGrouping struct {
	ID                 uuid.UUID            `json:"id"`
	PatientID          uuid.UUID            `json:"patient_id"`
	BloodGroup         bloodunit.BloodGroup `json:"blood_group"`
	Antibodies         []string             `json:"antibodies"`
	VerificationMethod VerificationMethod   `json:"verification_method"`
	SampleID           string               `json:"sample_id,omitempty"`
	TypedBy            string               `json:"typed_by"`
	VerifiedBy         string               `json:"verified_by,omitempty"`
	TypedAt            time.Time            `json:"typed_at"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Verified reports whether a second person confirmed the typing.
func (g *PatientGrouping) Verified() bool {
	return g.VerifiedBy != "" && g.VerifiedBy != g.TypedBy
}
