package model

import "fmt"

// Target is where the device stores an assembled artifact.
type Target string

const (
	// TargetLocal is the device primary storage.
	TargetLocal Target = "local"
	// TargetRemovable is the device removable media (SD card, USB).
	TargetRemovable Target = "removable"
)

// Validate validates the target.
func (t Target) Validate() error {
	switch t {
	case TargetLocal, TargetRemovable:
		return nil
	}
	return fmt.Errorf("unknown target %q: %w", t, ErrNotValid)
}

// UploadSession is the state of a chunked transfer to a device.
type UploadSession struct {
	UploadID  string
	DeviceID  string
	Target    Target
	Name      string
	TotalSize int64
	SentBytes int64
	NextIndex int
	Committed bool
}

// Outcome is how a correlated wait ended.
type Outcome string

const (
	// OutcomeConfirmed means the device answered with a terminal result.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeTimedOut means no terminal result arrived in time. Callers treat
	// it as an unconfirmed, best-effort success.
	OutcomeTimedOut Outcome = "timed_out"
)

// Result is the terminal answer of a device to a transfer or command.
type Result struct {
	Outcome  Outcome
	OK       bool
	Message  string
	Filename string
}

// Succeeded returns true if the result is a confirmed or optimistic success.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeTimedOut || r.OK
}

// Unconfirmed returns true if the device never acknowledged the operation.
func (r Result) Unconfirmed() bool { return r.Outcome == OutcomeTimedOut }
