package printer_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/printer"
)

func taskFixture() (model.Task, []model.TimelineStep, *model.Approval) {
	createdAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	startedAt := createdAt.Add(5 * time.Second)
	completedAt := startedAt.Add(2 * time.Minute)
	task := model.Task{
		ID:             "01H2QWERTYASDFGZXCVBNMLKJH",
		Type:           model.TaskTypeAnalysis,
		Status:         model.TaskStatusSucceeded,
		InputRef:       "blake3:in",
		InputParams:    map[string]string{"device_model": "mk4", "checks": "all"},
		OutputRef:      "blake3:out",
		OutputMetadata: map[string]string{"issues": "2"},
		MaxRetries:     3,
		CreatedAt:      createdAt,
		StartedAt:      &startedAt,
		CompletedAt:    &completedAt,
	}
	timeline := []model.TimelineStep{
		{Step: 1, Label: "load", Status: "done"},
		{Step: 2, Label: "analysis", Status: "done"},
	}
	return task, timeline, &model.Approval{TaskID: task.ID, Decision: model.DecisionUndecided}
}

func TestTablePrinterPrintTaskStatus(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintTaskStatus(taskFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Status:     succeeded")
	assert.Contains(t, out, "Params:     checks=all device_model=mk4")
	assert.Contains(t, out, "Took:       2m0s")
	assert.Contains(t, out, "Patch:      undecided")
	assert.Contains(t, out, "analysis")
}

func TestJSONPrinterPrintTaskStatus(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	err := p.PrintTaskStatus(taskFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"status": "succeeded"`)
	assert.Contains(t, out, `"output_ref": "blake3:out"`)
	assert.Contains(t, out, `"decision": "undecided"`)
	assert.Contains(t, out, `"label": "analysis"`)
	assert.NotContains(t, out, "next_attempt_at")
}

func TestTablePrinterPrintTaskList(t *testing.T) {
	task, _, _ := taskFixture()
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	require.NoError(t, p.PrintTaskList(nil))
	assert.Empty(t, buf.String())

	require.NoError(t, p.PrintTaskList([]model.Task{task}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "01H2QWERTYASDFGZXCVBNMLKJH")
	assert.Contains(t, lines[1], "0/3")
}

func TestPrintUpload(t *testing.T) {
	tests := map[string]struct {
		upload   printer.Upload
		expTable string
		expJSON  string
	}{
		"A confirmed upload.": {
			upload:   printer.Upload{UploadID: "u1", Size: 100 * 1024, Chunks: 4, Result: model.Result{Outcome: model.OutcomeConfirmed, OK: true}},
			expTable: "Result:     confirmed",
			expJSON:  `"state": "confirmed"`,
		},
		"An unconfirmed upload.": {
			upload:   printer.Upload{UploadID: "u1", Result: model.Result{Outcome: model.OutcomeTimedOut}},
			expTable: "Result:     unconfirmed",
			expJSON:  `"state": "unconfirmed"`,
		},
		"A rejected upload.": {
			upload:   printer.Upload{UploadID: "u1", Result: model.Result{Outcome: model.OutcomeConfirmed, Message: "no space"}},
			expTable: "Message:    no space",
			expJSON:  `"state": "rejected"`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var table, js bytes.Buffer
			require.NoError(t, printer.NewTablePrinter(&table).PrintUpload(test.upload))
			require.NoError(t, printer.NewJSONPrinter(&js).PrintUpload(test.upload))

			assert.Contains(t, table.String(), test.expTable)
			assert.Contains(t, js.String(), test.expJSON)
		})
	}
}

func TestTablePrinterPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintMessage("ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(buf.String()))
}
