package printlink_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intprintlink "github.com/slok/printlink/test/integration/printlink"
)

// statusOutput matches the JSON output of `printlink task status --format json`.
type statusOutput struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	OutputRef      string            `json:"output_ref"`
	OutputMetadata map[string]string `json:"output_metadata"`
	Approval       *struct {
		Decision string `json:"decision"`
	} `json:"approval"`
}

// uploadOutput matches the JSON output of `printlink send --format json`.
type uploadOutput struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Result   struct {
		State string `json:"state"`
	} `json:"result"`
	Print *struct {
		State string `json:"state"`
	} `json:"print"`
}

func TestPrintlinkPipeline(t *testing.T) {
	config := intprintlink.NewConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pl := intprintlink.New(config, t.TempDir())
	modelPath, err := pl.WriteModel("benchy.stl", "solid benchy")
	require.NoError(t, err)

	// Slice.
	var sliced statusOutput
	require.NoError(t, pl.RunJSON(ctx, fmt.Sprintf("slice %s --device-model mk4 --wait", modelPath), &sliced))
	assert.Equal(t, "slicing", sliced.Type)
	require.Equal(t, "succeeded", sliced.Status)
	assert.NotEmpty(t, sliced.OutputRef)

	// The same request reuses the artifact.
	var cached statusOutput
	require.NoError(t, pl.RunJSON(ctx, fmt.Sprintf("slice %s --device-model mk4 --wait", modelPath), &cached))
	assert.NotEqual(t, sliced.ID, cached.ID)
	assert.Equal(t, sliced.OutputRef, cached.OutputRef)
	assert.Equal(t, "hit", cached.OutputMetadata["cache"])

	// An edited model is sliced again.
	_, err = pl.WriteModel("benchy.stl", "solid benchy v2")
	require.NoError(t, err)
	var edited statusOutput
	require.NoError(t, pl.RunJSON(ctx, fmt.Sprintf("slice %s --device-model mk4 --wait", modelPath), &edited))
	assert.Empty(t, edited.OutputMetadata["cache"])

	// Analyze.
	var analyzed statusOutput
	require.NoError(t, pl.RunJSON(ctx, fmt.Sprintf("analyze --slice-task %s --wait", sliced.ID), &analyzed))
	require.Equal(t, "succeeded", analyzed.Status)
	require.NotNil(t, analyzed.Approval)
	assert.Equal(t, "undecided", analyzed.Approval.Decision)

	// An undecided patch can't be sent.
	_, _, err = pl.Run(ctx, "send "+analyzed.ID)
	assert.Error(t, err)

	// Approve and send.
	var approval struct {
		Decision string `json:"decision"`
	}
	require.NoError(t, pl.RunJSON(ctx, "approve "+analyzed.ID, &approval))
	assert.Equal(t, "approved", approval.Decision)

	var upload uploadOutput
	require.NoError(t, pl.RunJSON(ctx, "send "+analyzed.ID+" --name benchy.gcode --start-print", &upload))
	assert.Equal(t, "benchy.gcode", upload.Name)
	assert.Equal(t, "confirmed", upload.Result.State)
	require.NotNil(t, upload.Print)
	assert.Equal(t, "confirmed", upload.Print.State)

	// A second decision is refused.
	_, _, err = pl.Run(ctx, "reject "+analyzed.ID)
	assert.Error(t, err)

	var tasks []statusOutput
	require.NoError(t, pl.RunJSON(ctx, "task list", &tasks))
	assert.Len(t, tasks, 4)
}
