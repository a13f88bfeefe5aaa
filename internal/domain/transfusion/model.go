package transfusion

import (
	"time"

	"github.com/google/uuid"
)

type Interval string

const (
	IntervalPre   Interval = "PRE"
	Interval15Min Interval = "15MIN"
	Interval30Min Interval = "30MIN"
	Interval1Hr   Interval = "1HR"
	IntervalEnd   Interval = "END"
)

// Intervals lists the monitoring buckets by elapsed offset from issue.
var Intervals = []Interval{IntervalPre, Interval15Min, Interval30Min, Interval1Hr, IntervalEnd}

// intervalOffsets is when each timed bucket falls due after issue. END has
// no offset and is only reached once every timed bucket is behind.
var intervalOffsets = map[Interval]time.Duration{
	IntervalPre:   0,
	Interval15Min: 15 * time.Minute,
	Interval30Min: 30 * time.Minute,
	Interval1Hr:   time.Hour,
}

func (i Interval) Valid() bool {
	return i.rank() >= 0
}

func (i Interval) rank() int {
	for n, v := range Intervals {
		if v == i {
			return n
		}
	}
	return -1
}

// Vitals are the observations of one bucket. Nil means not taken.
type Vitals struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	Pulse            *int     `json:"pulse,omitempty"`
	SystolicBP       *int     `json:"systolic_bp,omitempty"`
	DiastolicBP      *int     `json:"diastolic_bp,omitempty"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty"`
	SpO2             *int     `json:"spo2,omitempty"`
	VolumeTransfused *int     `json:"volume_transfused,omitempty"`
}

// TransfusionVitals is write-once per (IssueID, Interval).
type TransfusionVitals struct {
	ID       uuid.UUID `json:"id"`
	IssueID  uuid.UUID `json:"issue_id"`
	Interval Interval  `json:"interval"`
	Vitals
	AdverseReaction string    `json:"adverse_reaction,omitempty"`
	RecordedBy      string    `json:"recorded_by"`
	RecordedAt      time.Time `json:"recorded_at"`
}
