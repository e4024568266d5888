package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/printlink/internal/model"
)

// JSONPrinter prints task information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// listItem represents a task in the list output (subset of fields).
type listItem struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// statusOutput represents the full task status output.
type statusOutput struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	InputRef       string            `json:"input_ref"`
	InputParams    map[string]string `json:"input_params,omitempty"`
	OutputRef      string            `json:"output_ref,omitempty"`
	OutputMetadata map[string]string `json:"output_metadata,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	Timeline       []timelineStep    `json:"timeline,omitempty"`
	Approval       *approvalOutput   `json:"approval,omitempty"`
}

type timelineStep struct {
	Step   int    `json:"step"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

type approvalOutput struct {
	TaskID    string     `json:"task_id"`
	Decision  string     `json:"decision"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

type uploadOutput struct {
	UploadID string        `json:"upload_id"`
	DeviceID string        `json:"device_id"`
	Target   string        `json:"target"`
	Name     string        `json:"name"`
	Size     int64         `json:"size"`
	Chunks   int           `json:"chunks"`
	Result   resultOutput  `json:"result"`
	Print    *resultOutput `json:"print,omitempty"`
}

type resultOutput struct {
	State    string `json:"state"`
	Message  string `json:"message,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintTaskList prints tasks in JSON format with a subset of fields.
func (j *JSONPrinter) PrintTaskList(tasks []model.Task) error {
	items := make([]listItem, len(tasks))
	for i, t := range tasks {
		items[i] = listItem{
			ID:         t.ID,
			Type:       string(t.Type),
			Status:     string(t.Status),
			RetryCount: t.RetryCount,
			CreatedAt:  t.CreatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintTaskStatus prints detailed task status in JSON format.
func (j *JSONPrinter) PrintTaskStatus(task model.Task, timeline []model.TimelineStep, approval *model.Approval) error {
	output := statusOutput{
		ID:             task.ID,
		Type:           string(task.Type),
		Status:         string(task.Status),
		InputRef:       task.InputRef,
		InputParams:    task.InputParams,
		OutputRef:      task.OutputRef,
		OutputMetadata: task.OutputMetadata,
		ErrorMessage:   task.ErrorMessage,
		RetryCount:     task.RetryCount,
		MaxRetries:     task.MaxRetries,
		CreatedAt:      task.CreatedAt.UTC(),
		StartedAt:      utc(task.StartedAt),
		CompletedAt:    utc(task.CompletedAt),
		NextAttemptAt:  utc(task.NextAttemptAt),
	}

	for _, s := range timeline {
		output.Timeline = append(output.Timeline, timelineStep{Step: s.Step, Label: s.Label, Status: s.Status})
	}

	if approval != nil {
		a := toApprovalOutput(*approval)
		output.Approval = &a
	}

	return j.encode(output)
}

// PrintApproval prints a patch decision in JSON format.
func (j *JSONPrinter) PrintApproval(approval model.Approval) error {
	return j.encode(toApprovalOutput(approval))
}

// PrintUpload prints an upload outcome in JSON format.
func (j *JSONPrinter) PrintUpload(upload Upload) error {
	output := uploadOutput{
		UploadID: upload.UploadID,
		DeviceID: upload.DeviceID,
		Target:   string(upload.Target),
		Name:     upload.Name,
		Size:     upload.Size,
		Chunks:   upload.Chunks,
		Result:   toResultOutput(upload.Result),
	}
	if upload.Print != nil {
		p := toResultOutput(*upload.Print)
		output.Print = &p
	}

	return j.encode(output)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func toApprovalOutput(a model.Approval) approvalOutput {
	return approvalOutput{TaskID: a.TaskID, Decision: string(a.Decision), DecidedAt: utc(a.DecidedAt)}
}

func toResultOutput(r model.Result) resultOutput {
	return resultOutput{State: uploadState(r), Message: r.Message, Filename: r.Filename}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
