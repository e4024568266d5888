package model

import (
	"fmt"
	"math"
)

// ProgressEventKind is the tag of a progress event.
type ProgressEventKind string

const (
	ProgressEventTimeline ProgressEventKind = "timeline"
	ProgressEventProgress ProgressEventKind = "progress"
	ProgressEventComplete ProgressEventKind = "complete"
	ProgressEventError    ProgressEventKind = "error"
)

// ProgressEvent is one event of a task progress stream. Only the field
// matching Kind is set.
type ProgressEvent struct {
	Kind     ProgressEventKind
	Timeline *TimelineStep
	Fraction float64
	Result   string
	Message  string
}

// TimelineStep is a named stage of a running job.
type TimelineStep struct {
	Step   int
	Label  string
	Status string
}

// NewTimelineEvent returns a timeline event.
func NewTimelineEvent(step int, label, status string) ProgressEvent {
	return ProgressEvent{Kind: ProgressEventTimeline, Timeline: &TimelineStep{Step: step, Label: label, Status: status}}
}

// NewProgressEvent returns a progress event.
func NewProgressEvent(fraction float64) ProgressEvent {
	return ProgressEvent{Kind: ProgressEventProgress, Fraction: fraction}
}

// NewCompleteEvent returns a terminal completion event.
func NewCompleteEvent(result string) ProgressEvent {
	return ProgressEvent{Kind: ProgressEventComplete, Result: result}
}

// NewErrorEvent returns a terminal error event.
func NewErrorEvent(msg string) ProgressEvent {
	return ProgressEvent{Kind: ProgressEventError, Message: msg}
}

// IsTerminal returns true for complete and error events.
func (e ProgressEvent) IsTerminal() bool {
	return e.Kind == ProgressEventComplete || e.Kind == ProgressEventError
}

// Validate validates the event shape.
func (e ProgressEvent) Validate() error {
	switch e.Kind {
	case ProgressEventTimeline:
		if e.Timeline == nil {
			return fmt.Errorf("timeline event without step: %w", ErrNotValid)
		}
	case ProgressEventProgress:
		if math.IsNaN(e.Fraction) || e.Fraction < 0 || e.Fraction > 1 {
			return fmt.Errorf("fraction %v out of [0,1]: %w", e.Fraction, ErrNotValid)
		}
	case ProgressEventComplete, ProgressEventError:
	default:
		return fmt.Errorf("unknown event kind %q: %w", e.Kind, ErrNotValid)
	}
	return nil
}
