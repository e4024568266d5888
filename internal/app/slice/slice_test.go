package slice_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/printlink/internal/app/slice"
	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/orchestrator"
	"github.com/slok/printlink/internal/orchestrator/orchestratormock"
)

func TestNewService(t *testing.T) {
	_, err := slice.NewService(slice.ServiceConfig{})
	assert.Error(t, err)

	svc, err := slice.NewService(slice.ServiceConfig{Orchestrator: &orchestratormock.MockOrchestrator{}})
	assert.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestService_Run(t *testing.T) {
	const taskID = "01H2QWERTYASDFGZXCVBNMLKJH"
	modelPath := writeModel(t, "solid benchy")

	expReq := model.TaskRequest{
		Type:        model.TaskTypeSlicing,
		InputRef:    modelPath,
		InputDigest: artifact.Ref([]byte("solid benchy")),
		InputParams: map[string]string{"layer_height": "0.2"},
		DeviceModel: "mk4",
	}
	pending := &model.Task{ID: taskID, Type: model.TaskTypeSlicing, Status: model.TaskStatusPending}
	succeeded := &model.Task{ID: taskID, Type: model.TaskTypeSlicing, Status: model.TaskStatusSucceeded, OutputRef: "blake3:aa"}

	tests := map[string]struct {
		mock    func(m *orchestratormock.MockOrchestrator)
		req     slice.Request
		expTask *model.Task
		expErr  bool
	}{
		"a slice request should create a pending task": {
			mock: func(m *orchestratormock.MockOrchestrator) {
				m.On("Create", mock.Anything, expReq).Once().Return(pending, nil)
			},
			req:     slice.Request{ModelPath: modelPath, DeviceModel: "mk4", Params: map[string]string{"layer_height": "0.2"}},
			expTask: pending,
		},
		"waiting should run the task": {
			mock: func(m *orchestratormock.MockOrchestrator) {
				m.On("Create", mock.Anything, expReq).Once().Return(pending, nil)
				m.On("Run", mock.Anything, taskID).Once().Return(succeeded, nil)
			},
			req:     slice.Request{ModelPath: modelPath, DeviceModel: "mk4", Params: map[string]string{"layer_height": "0.2"}, Wait: true},
			expTask: succeeded,
		},
		"waiting on a cached task should not run it": {
			mock: func(m *orchestratormock.MockOrchestrator) {
				m.On("Create", mock.Anything, expReq).Once().Return(succeeded, nil)
			},
			req:     slice.Request{ModelPath: modelPath, DeviceModel: "mk4", Params: map[string]string{"layer_height": "0.2"}, Wait: true},
			expTask: succeeded,
		},
		"missing model should fail": {
			mock:   func(m *orchestratormock.MockOrchestrator) {},
			req:    slice.Request{},
			expErr: true,
		},
		"a missing model file should fail": {
			mock:   func(m *orchestratormock.MockOrchestrator) {},
			req:    slice.Request{ModelPath: filepath.Join(filepath.Dir(modelPath), "missing.stl")},
			expErr: true,
		},
		"create error should propagate": {
			mock: func(m *orchestratormock.MockOrchestrator) {
				m.On("Create", mock.Anything, mock.Anything).Once().Return(nil, fmt.Errorf("boom"))
			},
			req:    slice.Request{ModelPath: modelPath},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			m := &orchestratormock.MockOrchestrator{}
			test.mock(m)

			svc, err := slice.NewService(slice.ServiceConfig{Orchestrator: m, Logger: log.Noop})
			require.NoError(err)

			got, err := svc.Run(context.Background(), test.req)

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
				assert.Equal(test.expTask, got)
			}

			m.AssertExpectations(t)
		})
	}
}

func TestService_RunOnCreated(t *testing.T) {
	const taskID = "01H2QWERTYASDFGZXCVBNMLKJH"
	pending := &model.Task{ID: taskID, Type: model.TaskTypeSlicing, Status: model.TaskStatusPending}
	succeeded := &model.Task{ID: taskID, Type: model.TaskTypeSlicing, Status: model.TaskStatusSucceeded}

	m := &orchestratormock.MockOrchestrator{}
	m.On("Create", mock.Anything, mock.Anything).Once().Return(pending, nil)
	m.On("Run", mock.Anything, taskID).Once().Return(succeeded, nil)

	svc, err := slice.NewService(slice.ServiceConfig{Orchestrator: m})
	require.NoError(t, err)
	modelPath := writeModel(t, "solid benchy")

	var created []string
	_, err = svc.Run(context.Background(), slice.Request{
		ModelPath: modelPath,
		Wait:      true,
		OnCreated: func(task model.Task) { created = append(created, task.ID) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{taskID}, created)
	m.AssertExpectations(t)
}

func TestService_RunModelContentIsTheIdentity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	pending := &model.Task{ID: "01H2QWERTYASDFGZXCVBNMLKJH", Type: model.TaskTypeSlicing, Status: model.TaskStatusPending}

	m := &orchestratormock.MockOrchestrator{}
	m.On("Create", mock.Anything, mock.Anything).Times(3).Return(pending, nil)

	svc, err := slice.NewService(slice.ServiceConfig{Orchestrator: m})
	require.NoError(err)

	modelPath := writeModel(t, "solid benchy v1")
	req := slice.Request{ModelPath: modelPath, DeviceModel: "mk4"}
	_, err = svc.Run(context.Background(), req)
	require.NoError(err)
	_, err = svc.Run(context.Background(), req)
	require.NoError(err)

	// Editing the model is a new job.
	require.NoError(os.WriteFile(modelPath, []byte("solid benchy v2"), 0o600))
	_, err = svc.Run(context.Background(), req)
	require.NoError(err)

	var keys []string
	for _, c := range m.Calls {
		keys = append(keys, orchestrator.CacheKey(c.Arguments.Get(1).(model.TaskRequest)))
	}
	require.Len(keys, 3)
	assert.Equal(keys[0], keys[1])
	assert.NotEqual(keys[1], keys[2])
	m.AssertExpectations(t)
}

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benchy.stl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
