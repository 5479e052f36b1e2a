// Package core holds the flag data model and the pure evaluation logic.
// Nothing in this package touches storage or the network; everything is
// deterministic given its inputs.
package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidValue is returned when a value's shape does not match the flag's
// declared type. Shape mismatches are configuration errors and are rejected
// before persistence.
var ErrInvalidValue = errors.New("invalid flag value")

// FlagType declares how a flag's value is interpreted during evaluation.
type FlagType string

const (
	TypeBoolean    FlagType = "boolean"
	TypePercentage FlagType = "percentage"
	TypeSegment    FlagType = "segment"
	TypeTimeWindow FlagType = "time_window"
)

// Layer identifies one of the three enforcement boundaries.
type Layer string

const (
	LayerRepository Layer = "repository"
	LayerService    Layer = "service"
	LayerAPI        Layer = "api"
)

// Value is the polymorphic flag payload. Exactly one group of fields is
// populated, determined by the flag's declared [FlagType]:
//
//   - TypeBoolean: Bool
//   - TypePercentage: Percent (0-100)
//   - TypeSegment: Segments
//   - TypeTimeWindow: Start and/or End (either bound may be open)
type Value struct {
	Bool     *bool      `json:"bool,omitempty"`
	Percent  *int       `json:"percent,omitempty"`
	Segments []string   `json:"segments,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
}

// BoolValue returns a boolean payload.
func BoolValue(enabled bool) Value {
	return Value{Bool: &enabled}
}

// PercentValue returns a percentage-rollout payload.
func PercentValue(percent int) Value {
	return Value{Percent: &percent}
}

// SegmentsValue returns a user-segment payload.
func SegmentsValue(segments ...string) Value {
	return Value{Segments: segments}
}

// WindowValue returns a time-window payload. A nil bound is open.
func WindowValue(start, end *time.Time) Value {
	return Value{Start: start, End: end}
}

// Validate checks that the value's shape matches the declared flag type.
// Returns an error wrapping [ErrInvalidValue] on mismatch.
func (v Value) Validate(flagType FlagType) error {
	switch flagType {
	case TypeBoolean:
		if v.Bool == nil {
			return fmt.Errorf("%w: boolean flag requires a bool payload", ErrInvalidValue)
		}
		if v.Percent != nil || v.Segments != nil || v.Start != nil || v.End != nil {
			return fmt.Errorf("%w: boolean flag carries extra fields", ErrInvalidValue)
		}
	case TypePercentage:
		if v.Percent == nil {
			return fmt.Errorf("%w: percentage flag requires a percent payload", ErrInvalidValue)
		}
		if *v.Percent < 0 || *v.Percent > 100 {
			return fmt.Errorf("%w: percent %d out of range [0,100]", ErrInvalidValue, *v.Percent)
		}
		if v.Bool != nil || v.Segments != nil || v.Start != nil || v.End != nil {
			return fmt.Errorf("%w: percentage flag carries extra fields", ErrInvalidValue)
		}
	case TypeSegment:
		if v.Segments == nil {
			return fmt.Errorf("%w: segment flag requires a segments payload", ErrInvalidValue)
		}
		if v.Bool != nil || v.Percent != nil || v.Start != nil || v.End != nil {
			return fmt.Errorf("%w: segment flag carries extra fields", ErrInvalidValue)
		}
	case TypeTimeWindow:
		if v.Bool != nil || v.Percent != nil || v.Segments != nil {
			return fmt.Errorf("%w: time-window flag carries extra fields", ErrInvalidValue)
		}
		if v.Start != nil && v.End != nil && v.End.Before(*v.Start) {
			return fmt.Errorf("%w: window end precedes start", ErrInvalidValue)
		}
	default:
		return fmt.Errorf("%w: unknown flag type %q", ErrInvalidValue, flagType)
	}

	return nil
}

// EvaluationContext carries the per-call inputs to flag evaluation. It is
// ephemeral and never persisted.
type EvaluationContext struct {
	// SubjectID identifies the caller for percentage bucketing. Empty
	// defaults to a fixed anonymous sentinel so anonymous callers share
	// one bucket.
	SubjectID string `json:"subject_id,omitempty"`
	// Segments lists the segment identifiers the subject belongs to.
	Segments []string `json:"segments,omitempty"`
	// Now is the evaluation instant. Zero means wall clock; tests inject a
	// fixed instant here.
	Now time.Time `json:"-"`
}
