package lib

import (
	"errors"
	"time"

	"github.com/slok/printlink/internal/model"
)

// TaskType is the kind of job a task runs.
type TaskType string

const (
	// TaskTypeSlicing turns a 3D model into G-code.
	TaskTypeSlicing TaskType = "slicing"
	// TaskTypeAnalysis proposes a patch for G-code.
	TaskTypeAnalysis TaskType = "analysis"
)

// TaskStatus represents the state of a task.
//
//	pending -> running -> succeeded
//	              |
//	              +-> pending (retry) -> ... -> failed
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a read-only snapshot of a task. Use [Client.GetTask] to get the
// latest state.
type Task struct {
	ID     string
	Type   TaskType
	Status TaskStatus
	// InputRef is the model path, the G-code path or an artifact reference.
	InputRef    string
	InputParams map[string]string
	// OutputRef is the artifact reference of a succeeded task.
	OutputRef      string
	OutputMetadata map[string]string
	ErrorMessage   string
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NextAttemptAt  *time.Time
	// Timeline is only set by [Client.GetTask].
	Timeline []TimelineStep
	// Approval is only set by [Client.GetTask] for succeeded analysis tasks.
	Approval *Approval
}

// Cached returns true if the task reused the artifact of a previous one.
func (t Task) Cached() bool { return t.OutputMetadata["cache"] == "hit" }

// TimelineStep is a named stage reached by a task.
type TimelineStep struct {
	Step   int
	Label  string
	Status string
}

// ProgressEventKind is the kind of a progress event.
type ProgressEventKind string

const (
	ProgressEventTimeline ProgressEventKind = "timeline"
	ProgressEventProgress ProgressEventKind = "progress"
	ProgressEventComplete ProgressEventKind = "complete"
	ProgressEventError    ProgressEventKind = "error"
)

// ProgressEvent is a live event of a running task. Complete and error events
// end the stream.
type ProgressEvent struct {
	Kind     ProgressEventKind
	Timeline *TimelineStep
	// Fraction is the progress in [0, 1].
	Fraction float64
	// Result is the artifact reference of a complete event.
	Result  string
	Message string
}

// Decision is the state of a patch approval.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
)

// Approval is the decision over an analysis patch.
type Approval struct {
	TaskID    string
	Decision  Decision
	DecidedAt *time.Time
}

// Target is the device storage that receives a file.
type Target string

const (
	TargetLocal     Target = "local"
	TargetRemovable Target = "removable"
)

// DeviceResult is the answer of a printer.
type DeviceResult struct {
	// Confirmed is false when the printer never answered, the operation is
	// then assumed to have worked.
	Confirmed bool
	OK        bool
	Message   string
	Filename  string
}

// Upload is a finished upload to a printer.
type Upload struct {
	UploadID string
	DeviceID string
	Target   Target
	Name     string
	Size     int64
	Chunks   int
	Result   DeviceResult
	// Print is the print start answer, only set when requested.
	Print *DeviceResult
}

var (
	// ErrNotFound is returned when the task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned on invalid input or operations.
	ErrNotValid = errors.New("not valid")
	// ErrNotApproved is returned when sending or downloading a patch without approval.
	ErrNotApproved = errors.New("patch not approved")
	// ErrAlreadyDecided is returned on a second approval decision.
	ErrAlreadyDecided = errors.New("patch already decided")
)

func fromInternalTask(t model.Task) Task {
	return Task{
		ID:             t.ID,
		Type:           TaskType(t.Type),
		Status:         TaskStatus(t.Status),
		InputRef:       t.InputRef,
		InputParams:    t.InputParams,
		OutputRef:      t.OutputRef,
		OutputMetadata: t.OutputMetadata,
		ErrorMessage:   t.ErrorMessage,
		RetryCount:     t.RetryCount,
		MaxRetries:     t.MaxRetries,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		NextAttemptAt:  t.NextAttemptAt,
	}
}

func fromInternalTaskList(ts []model.Task) []Task {
	result := make([]Task, len(ts))
	for i, t := range ts {
		result[i] = fromInternalTask(t)
	}
	return result
}

func fromInternalTimeline(steps []model.TimelineStep) []TimelineStep {
	if len(steps) == 0 {
		return nil
	}
	result := make([]TimelineStep, len(steps))
	for i, s := range steps {
		result[i] = TimelineStep{Step: s.Step, Label: s.Label, Status: s.Status}
	}
	return result
}

func fromInternalProgressEvent(e model.ProgressEvent) ProgressEvent {
	ev := ProgressEvent{
		Kind:     ProgressEventKind(e.Kind),
		Fraction: e.Fraction,
		Result:   e.Result,
		Message:  e.Message,
	}
	if e.Timeline != nil {
		ev.Timeline = &TimelineStep{Step: e.Timeline.Step, Label: e.Timeline.Label, Status: e.Timeline.Status}
	}
	return ev
}

func fromInternalApproval(a model.Approval) Approval {
	return Approval{TaskID: a.TaskID, Decision: Decision(a.Decision), DecidedAt: a.DecidedAt}
}

func fromInternalResult(r model.Result) DeviceResult {
	return DeviceResult{
		Confirmed: !r.Unconfirmed(),
		OK:        r.OK,
		Message:   r.Message,
		Filename:  r.Filename,
	}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		return joinErrors(err, ErrNotFound)
	case errors.Is(err, model.ErrNotApproved):
		return joinErrors(err, ErrNotApproved)
	case errors.Is(err, model.ErrAlreadyDecided):
		return joinErrors(err, ErrAlreadyDecided)
	case errors.Is(err, model.ErrNotValid):
		return joinErrors(err, ErrNotValid)
	default:
		return err
	}
}

func joinErrors(original, sentinel error) error {
	return &mappedError{original: original, sentinel: sentinel}
}

type mappedError struct {
	original error
	sentinel error
}

func (e *mappedError) Error() string { return e.original.Error() }

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) Unwrap() error { return e.original }
