package printer

import "github.com/slok/printlink/internal/model"

// Printer knows how to print task information in different formats.
type Printer interface {
	PrintTaskList(tasks []model.Task) error
	PrintTaskStatus(task model.Task, timeline []model.TimelineStep, approval *model.Approval) error
	PrintApproval(approval model.Approval) error
	PrintUpload(upload Upload) error
	PrintMessage(msg string) error
}

// Upload is a finished upload to a device.
type Upload struct {
	UploadID string
	DeviceID string
	Target   model.Target
	Name     string
	Size     int64
	Chunks   int
	Result   model.Result
	// Print is the print start result, if requested.
	Print *model.Result
}

func uploadState(r model.Result) string {
	switch {
	case r.Unconfirmed():
		return "unconfirmed"
	case r.OK:
		return "confirmed"
	default:
		return "rejected"
	}
}
