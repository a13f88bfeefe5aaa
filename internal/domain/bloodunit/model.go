package bloodunit

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCollected   Status = "COLLECTED"
	StatusTesting     Status = "TESTING"
	StatusTTICleared  Status = "TTI_CLEARED"
	StatusTTIReactive Status = "TTI_REACTIVE"
	StatusAvailable   Status = "AVAILABLE"
	StatusReserved    Status = "RESERVED"
	StatusIssued      Status = "ISSUED"
	StatusTransfusing Status = "TRANSFUSING"
	StatusCompleted   Status = "COMPLETED"
	StatusExpired     Status = "EXPIRED"
	StatusDiscarded   Status = "DISCARDED"
)

type Component string

const (
	ComponentWholeBlood Component = "WHOLE_BLOOD"
	ComponentPRBC       Component = "PRBC"
	ComponentFFP        Component = "FFP"
	ComponentPlatelets  Component = "PLATELETS"
	ComponentCryo       Component = "CRYO"
)

func (c Component) Valid() bool {
	switch c {
	case ComponentWholeBlood, ComponentPRBC, ComponentFFP, ComponentPlatelets, ComponentCryo:
		return true
	}
	return false
}

// RedCells reports whether the component is transfused for its red cells.
func (c Component) RedCells() bool {
	return c == ComponentWholeBlood || c == ComponentPRBC
}

type DiscardReason string

const (
	DiscardExpired       DiscardReason = "EXPIRED"
	DiscardTTIReactive   DiscardReason = "TTI_REACTIVE"
	DiscardBagLeak       DiscardReason = "BAG_LEAK"
	DiscardClot          DiscardReason = "CLOT"
	DiscardLipemic       DiscardReason = "LIPEMIC"
	DiscardHemolyzed     DiscardReason = "HEMOLYZED"
	DiscardQCFailure     DiscardReason = "QC_FAILURE"
	DiscardReturnTimeout DiscardReason = "RETURN_TIMEOUT"
	DiscardOther         DiscardReason = "OTHER"
)

func (r DiscardReason) Valid() bool {
	switch r {
	case DiscardExpired, DiscardTTIReactive, DiscardBagLeak, DiscardClot, DiscardLipemic,
		DiscardHemolyzed, DiscardQCFailure, DiscardReturnTimeout, DiscardOther:
		return true
	}
	return false
}

// BloodUnit is one physical bag. Version increases by one on every committed
// mutation and is the compare-and-swap token for all writes.
type BloodUnit struct {
	ID                uuid.UUID  `json:"id"`
	BranchID          uuid.UUID  `json:"branch_id"`
	UnitNumber        string     `json:"unit_number"`
	Barcode           string     `json:"barcode"`
	BloodGroup        BloodGroup `json:"blood_group"`
	Component         Component  `json:"component"`
	CollectionDate    time.Time  `json:"collection_date"`
	ExpiryDate        time.Time  `json:"expiry_date"`
	VolumeML          int        `json:"volume_ml"`
	ColdChainBreached bool       `json:"cold_chain_breached"`
	Status            Status     `json:"status"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Expired reports whether the unit has reached its expiry date.
func (u *BloodUnit) Expired(now time.Time) bool {
	return !now.Before(u.ExpiryDate)
}

// EffectiveStatus applies lazy expiry: a stored pre-issue status reads as
// EXPIRED once the expiry date has passed.
func (u *BloodUnit) EffectiveStatus(now time.Time) Status {
	if expirable[u.Status] && u.Expired(now) {
		return StatusExpired
	}
	return u.Status
}

type StatusChange struct {
	ID        uuid.UUID `json:"id"`
	UnitID    uuid.UUID `json:"unit_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Version   int64     `json:"version"`
	Reason    string    `json:"reason,omitempty"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

type DiscardRecord struct {
	ID          uuid.UUID     `json:"id"`
	UnitID      uuid.UUID     `json:"unit_id"`
	Reason      DiscardReason `json:"reason"`
	Notes       string        `json:"notes,omitempty"`
	DiscardedBy string        `json:"discarded_by"`
	DiscardedAt time.Time     `json:"discarded_at"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Filter selects units by effective status.
// Filter narrows a unit listing. BloodGroups, when set, admits any of the
// listed groups in addition to the BloodGroup match.
type Filter struct {
	BranchID    *uuid.UUID
	Statuses    []Status
	Component   Component
	BloodGroup  BloodGroup
	BloodGroups []BloodGroup
	Now         time.Time
}

// -- State machine --

var transitions = map[Status][]Status{
	StatusCollected:   {StatusTesting, StatusExpired, StatusDiscarded},
	StatusTesting:     {StatusTTICleared, StatusTTIReactive, StatusExpired, StatusDiscarded},
	StatusTTICleared:  {StatusAvailable, StatusIssued, StatusExpired, StatusDiscarded},
	StatusAvailable:   {StatusReserved, StatusIssued, StatusExpired, StatusDiscarded},
	StatusReserved:    {StatusIssued, StatusAvailable, StatusExpired, StatusDiscarded},
	StatusIssued:      {StatusTransfusing, StatusDiscarded},
	StatusTransfusing: {StatusCompleted, StatusDiscarded},
	StatusExpired:     {StatusDiscarded},
}

var terminal = map[Status]bool{
	StatusTTIReactive: true,
	StatusDiscarded:   true,
	StatusCompleted:   true,
}

// expirable lists the stored states subject to lazy expiry.
var expirable = map[Status]bool{
	StatusCollected:  true,
	StatusTesting:    true,
	StatusTTICleared: true,
	StatusAvailable:  true,
	StatusReserved:   true,
}

func IsTerminal(s Status) bool { return terminal[s] }

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok || terminal[s]
}
