package crossmatch

import (
	"time"

	"github.com/google/uuid"
)

type Method string

const (
	MethodImmediateSpin Method = "IMMEDIATE_SPIN"
	MethodAHG           Method = "AHG_INDIRECT_COOMBS"
	MethodElectronic    Method = "ELECTRONIC"
)

func (m Method) Valid() bool {
	switch m {
	case MethodImmediateSpin, MethodAHG, MethodElectronic:
		return true
	}
	return false
}

// Serological reports whether the method needs a bench result before the
// unit may be issued.
func (m Method) Serological() bool {
	return m == MethodImmediateSpin || m == MethodAHG
}

type Result string

const (
	ResultCompatible   Result = "COMPATIBLE"
	ResultIncompatible Result = "INCOMPATIBLE"
	ResultPending      Result = "PENDING"
)

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationConsumed ReservationStatus = "CONSUMED"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationExpired  ReservationStatus = "EXPIRED"
)

// CrossMatchRecord binds one unit to one patient. While ACTIVE and unexpired
// it is the unit's only reservation.
type CrossMatchRecord struct {
	ID                   uuid.UUID         `json:"id"`
	BloodUnitID          uuid.UUID         `json:"blood_unit_id"`
	PatientID            uuid.UUID         `json:"patient_id"`
	BranchID             uuid.UUID         `json:"branch_id"`
	Method               Method            `json:"method"`
	Result               Result            `json:"result"`
	ReservationStatus    ReservationStatus `json:"reservation_status"`
	ReservationExpiresAt time.Time         `json:"reservation_expires_at"`
	PerformedBy          string            `json:"performed_by"`
	ResultRecordedBy     string            `json:"result_recorded_by,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Live reports whether the reservation still holds the unit. Validity ends
// at ReservationExpiresAt, exclusive.
func (r *CrossMatchRecord) Live(now time.Time) bool {
	return r.ReservationStatus == ReservationActive && now.Before(r.ReservationExpiresAt)
}
