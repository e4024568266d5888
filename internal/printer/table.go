package printer

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/slok/printlink/internal/model"
)

// TablePrinter prints task information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTaskList prints tasks in a table format.
func (t *TablePrinter) PrintTaskList(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tRETRIES\tCREATED")
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", task.ID, task.Type, task.Status, task.RetryCount, task.MaxRetries, Since(task.CreatedAt))
	}

	return nil
}

// PrintTaskStatus prints detailed task status.
func (t *TablePrinter) PrintTaskStatus(task model.Task, timeline []model.TimelineStep, approval *model.Approval) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", task.ID)
	fmt.Fprintf(t.writer, "Type:       %s\n", task.Type)
	fmt.Fprintf(t.writer, "Status:     %s\n", task.Status)
	fmt.Fprintf(t.writer, "Input:      %s\n", task.InputRef)
	if len(task.InputParams) > 0 {
		fmt.Fprintf(t.writer, "Params:     %s\n", formatMap(task.InputParams))
	}
	fmt.Fprintf(t.writer, "Retries:    %d/%d\n", task.RetryCount, task.MaxRetries)
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(task.CreatedAt))

	if task.StartedAt != nil {
		fmt.Fprintf(t.writer, "Started:    %s\n", FormatTimestamp(*task.StartedAt))
	}
	if task.NextAttemptAt != nil {
		fmt.Fprintf(t.writer, "Next try:   %s\n", FormatTimestamp(*task.NextAttemptAt))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(t.writer, "Completed:  %s\n", FormatTimestamp(*task.CompletedAt))
		if task.StartedAt != nil {
			fmt.Fprintf(t.writer, "Took:       %s\n", FormatDuration(task.CompletedAt.Sub(*task.StartedAt)))
		}
	}
	if task.OutputRef != "" {
		fmt.Fprintf(t.writer, "Output:     %s\n", task.OutputRef)
	}
	if len(task.OutputMetadata) > 0 {
		fmt.Fprintf(t.writer, "Metadata:   %s\n", formatMap(task.OutputMetadata))
	}
	if task.ErrorMessage != "" {
		fmt.Fprintf(t.writer, "Error:      %s\n", task.ErrorMessage)
	}
	if approval != nil {
		fmt.Fprintf(t.writer, "Patch:      %s\n", approval.Decision)
	}

	if len(timeline) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "STEP\tLABEL\tSTATUS")
	for _, s := range timeline {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Step, s.Label, s.Status)
	}

	return nil
}

// PrintApproval prints a patch decision.
func (t *TablePrinter) PrintApproval(approval model.Approval) error {
	fmt.Fprintf(t.writer, "Task %s patch %s\n", approval.TaskID, approval.Decision)
	return nil
}

// PrintUpload prints an upload outcome.
func (t *TablePrinter) PrintUpload(upload Upload) error {
	fmt.Fprintf(t.writer, "Upload:     %s\n", upload.UploadID)
	fmt.Fprintf(t.writer, "Device:     %s (%s)\n", upload.DeviceID, upload.Target)
	fmt.Fprintf(t.writer, "File:       %s\n", upload.Name)
	fmt.Fprintf(t.writer, "Size:       %s in %d chunks\n", FormatBytes(upload.Size), upload.Chunks)
	fmt.Fprintf(t.writer, "Result:     %s\n", uploadState(upload.Result))
	if upload.Result.Message != "" {
		fmt.Fprintf(t.writer, "Message:    %s\n", upload.Result.Message)
	}
	if upload.Print != nil {
		fmt.Fprintf(t.writer, "Print:      %s\n", uploadState(*upload.Print))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func formatMap(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}
