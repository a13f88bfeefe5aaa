package mtp

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/platform/apperr"
)

// Counts are per-component unit counts of a pack.
type Counts struct {
	PRBC      int `json:"prbc"`
	FFP       int `json:"ffp"`
	Platelets int `json:"platelets"`
}

func (c Counts) Total() int { return c.PRBC + c.FFP + c.Platelets }

func (c Counts) get(comp bloodunit.Component) int {
	switch comp {
	case bloodunit.ComponentPRBC:
		return c.PRBC
	case bloodunit.ComponentFFP:
		return c.FFP
	case bloodunit.ComponentPlatelets:
		return c.Platelets
	}
	return 0
}

func (c *Counts) set(comp bloodunit.Component, n int) {
	switch comp {
	case bloodunit.ComponentPRBC:
		c.PRBC = n
	case bloodunit.ComponentFFP:
		c.FFP = n
	case bloodunit.ComponentPlatelets:
		c.Platelets = n
	}
}

// packComponents is the selection order within a pack.
var packComponents = []bloodunit.Component{bloodunit.ComponentPRBC, bloodunit.ComponentFFP, bloodunit.ComponentPlatelets}

// Evaluation is one gate outcome for one candidate unit.
type Evaluation struct {
	UnitID uuid.UUID `json:"unit_id"`
	apperr.GateEvaluation
}

// Release is the record of one emergency pack, including every candidate
// considered and why it was or was not issued.
type Release struct {
	ID                 uuid.UUID             `json:"id"`
	BranchID           uuid.UUID             `json:"branch_id"`
	PatientID          uuid.UUID             `json:"patient_id"`
	RequestedGroup     *bloodunit.BloodGroup `json:"requested_group,omitempty"`
	Requested          Counts                `json:"requested"`
	PRBCUnits          int                   `json:"prbc_units"`
	FFPUnits           int                   `json:"ffp_units"`
	PlateletUnits      int                   `json:"platelet_units"`
	UnitIDs            []uuid.UUID           `json:"unit_ids"`
	IssueIDs           []uuid.UUID           `json:"issue_ids"`
	GatesEvaluated     []Evaluation          `json:"gates_evaluated"`
	PartialFulfillment bool                  `json:"partial_fulfillment"`
	Shortfall          Counts                `json:"shortfall"`
	ArchiveKey         string                `json:"archive_key,omitempty"`
	ReleasedAt         time.Time             `json:"released_at"`
	ReleasedBy         string                `json:"released_by"`
}

func (r *Release) Fulfilled() Counts {
	return Counts{PRBC: r.PRBCUnits, FFP: r.FFPUnits, Platelets: r.PlateletUnits}
}

// ArchiveKey is where the release document is stored in the compliance
// archive.
func ArchiveKey(branchID, releaseID uuid.UUID) string {
	return "mtp/" + branchID.String() + "/" + releaseID.String() + ".json"
}
