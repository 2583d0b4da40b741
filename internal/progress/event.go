package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StagePageCommitted Stage = "PAGE_COMMITTED"
	StageRunDone       Stage = "RUN_DONE"
)

// Event is one progress report for a collection target.
type Event struct {
	RunID string
	// Target is the target key, "entity" or "entity:version".
	Target string
	TS     time.Time
	Stage  Stage
	// Offset is the committed offset after this event.
	Offset     int
	Attempted  int
	NewSaved   int
	Duplicates int
	// Planned is the max-items bound for the run; zero means unbounded.
	Planned int
	// Total is the provider-reported total; zero means unknown.
	Total int
	// Status is set on RUN_DONE.
	Status string
	Dur    time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.Target == "" {
		return errors.New("target is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StagePageCommitted:
	case StageRunDone:
		if e.Status == "" {
			return errors.New("run done requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Offset < 0 || e.Attempted < 0 || e.Dur < 0 {
		return errors.New("counters and duration must be >= 0")
	}
	return nil
}

// Ratio estimates how far the target is through its known bound, in [0, 1].
// It prefers the run's planned count and falls back to the provider total.
// The second return is false when neither bound is known.
func (e Event) Ratio() (float64, bool) {
	switch {
	case e.Planned > 0:
		return clamp(float64(e.Attempted) / float64(e.Planned)), true
	case e.Total > 0:
		return clamp(float64(e.Offset) / float64(e.Total)), true
	default:
		return 0, false
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
