package approve_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/printlink/internal/app/approve"
	"github.com/slok/printlink/internal/approval"
	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage/memory"
)

func TestService_Run(t *testing.T) {
	const taskID = "01H2QWERTYASDFGZXCVBNMLKJH"

	tests := map[string]struct {
		reqs        []approve.Request
		expDecision model.Decision
		expFile     bool
		expErr      bool
		expErrIs    error
	}{
		"approving should approve the patch": {
			reqs:        []approve.Request{{TaskID: taskID}},
			expDecision: model.DecisionApproved,
		},
		"approving with output should write the patch": {
			reqs:        []approve.Request{{TaskID: taskID, OutputPath: "patch.gcode"}},
			expDecision: model.DecisionApproved,
			expFile:     true,
		},
		"rejecting should reject the patch": {
			reqs:        []approve.Request{{TaskID: taskID, Reject: true}},
			expDecision: model.DecisionRejected,
		},
		"rejecting with output should fail": {
			reqs:     []approve.Request{{TaskID: taskID, Reject: true, OutputPath: "patch.gcode"}},
			expErr:   true,
			expErrIs: model.ErrNotValid,
		},
		"deciding twice should fail": {
			reqs:     []approve.Request{{TaskID: taskID, Reject: true}, {TaskID: taskID}},
			expErr:   true,
			expErrIs: model.ErrAlreadyDecided,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()
			dir := t.TempDir()

			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(err)
			store, err := artifact.NewStore(artifact.StoreConfig{Dir: filepath.Join(dir, "artifacts")})
			require.NoError(err)
			ref, err := store.Put(ctx, []byte("G28 ; patched"))
			require.NoError(err)
			require.NoError(repo.CreateTask(ctx, model.Task{
				ID:        taskID,
				Type:      model.TaskTypeAnalysis,
				Status:    model.TaskStatusSucceeded,
				InputRef:  "blake3:in",
				OutputRef: ref,
				CreatedAt: time.Now(),
			}))
			approver, err := approval.NewService(approval.ServiceConfig{Repository: repo, Artifacts: store})
			require.NoError(err)

			svc, err := approve.NewService(approve.ServiceConfig{Approver: approver})
			require.NoError(err)

			var got *model.Approval
			for _, req := range test.reqs {
				if req.OutputPath != "" {
					req.OutputPath = filepath.Join(dir, req.OutputPath)
				}
				got, err = svc.Run(ctx, req)
			}

			if test.expErr {
				assert.Error(err)
				if test.expErrIs != nil {
					assert.ErrorIs(err, test.expErrIs)
				}
				return
			}
			require.NoError(err)
			assert.Equal(test.expDecision, got.Decision)

			if test.expFile {
				data, err := os.ReadFile(filepath.Join(dir, "patch.gcode"))
				require.NoError(err)
				assert.Equal([]byte("G28 ; patched"), data)
			}
		})
	}
}
