package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageScheduled Stage = "UNIT_SCHEDULED"
	StageStarted   Stage = "UNIT_STARTED"
	StageSucceeded Stage = "UNIT_SUCCEEDED"
	StageFailed    Stage = "UNIT_FAILED"
	StageCanceled  Stage = "UNIT_CANCELED"
	StageProgress  Stage = "UNIT_PROGRESS"
	StageDrained   Stage = "POOL_DRAINED"
)

// Terminal reports whether the stage ends a unit's lifecycle.
func (s Stage) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageCanceled:
		return true
	default:
		return false
	}
}

// Event captures a single lifecycle transition of a unit of work.
type Event struct {
	// UnitID identifies the unit using the 16-byte UUID form. It is zero
	// for pool-wide stages.
	UnitID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Description is the human-readable label of the unit.
	Description string
	// Progress carries the fraction for progress events; negative means
	// indeterminate.
	Progress float64
	// Dur is the run time for terminal stages.
	Dur time.Duration
	// Active is the pool's active count after the transition.
	Active int64
	// Note holds low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageDrained:
	case StageScheduled, StageStarted, StageSucceeded, StageFailed, StageCanceled, StageProgress:
		if e.UnitID == [16]byte{} {
			return fmt.Errorf("stage %q requires unit id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Active < 0 {
		return errors.New("active count must be >= 0")
	}
	return nil
}

// UnitUUID converts the binary unit ID to uuid.UUID.
func (e Event) UnitUUID() uuid.UUID {
	return uuid.UUID(e.UnitID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseUnitID decodes a textual unit ID into the Event form. Invalid input
// yields the zero ID.
func ParseUnitID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(parsed)
}
