package status_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/printlink/internal/app/status"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage/storagemock"
)

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		config status.ServiceConfig
		expErr bool
	}{
		"valid config should create service": {
			config: status.ServiceConfig{
				Repository: &storagemock.MockRepository{},
				Logger:     log.Noop,
			},
			expErr: false,
		},
		"missing repository should fail": {
			config: status.ServiceConfig{
				Logger: log.Noop,
			},
			expErr: true,
		},
		"nil logger should default to noop": {
			config: status.ServiceConfig{
				Repository: &storagemock.MockRepository{},
			},
			expErr: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			svc, err := status.NewService(test.config)

			if test.expErr {
				require.Error(err)
				require.Nil(svc)
			} else {
				require.NoError(err)
				require.NotNil(svc)
			}
		})
	}
}

func TestService_Run(t *testing.T) {
	const taskID = "01H2QWERTYASDFGZXCVBNMLKJH"
	createdAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	decidedAt := time.Date(2026, 1, 30, 10, 5, 0, 0, time.UTC)
	timeline := []model.TimelineStep{{Step: 1, Label: "load", Status: "done"}}

	slicing := model.Task{ID: taskID, Type: model.TaskTypeSlicing, Status: model.TaskStatusRunning, CreatedAt: createdAt}
	analysis := model.Task{ID: taskID, Type: model.TaskTypeAnalysis, Status: model.TaskStatusSucceeded, OutputRef: "blake3:aa", CreatedAt: createdAt}

	tests := map[string]struct {
		mock     func(m *storagemock.MockRepository)
		req      status.Request
		expResp  *status.Response
		expErr   bool
		expErrIs error
	}{
		"get a running slicing task": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetTask", mock.Anything, taskID).Once().Return(&slicing, nil)
				m.On("ListTimeline", mock.Anything, taskID).Once().Return(timeline, nil)
			},
			req:     status.Request{TaskID: taskID},
			expResp: &status.Response{Task: slicing, Timeline: timeline},
		},
		"a succeeded analysis without decision should be undecided": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetTask", mock.Anything, taskID).Once().Return(&analysis, nil)
				m.On("ListTimeline", mock.Anything, taskID).Once().Return(timeline, nil)
				m.On("GetApproval", mock.Anything, taskID).Once().Return(nil, model.ErrNotFound)
			},
			req: status.Request{TaskID: taskID},
			expResp: &status.Response{
				Task:     analysis,
				Timeline: timeline,
				Approval: &model.Approval{TaskID: taskID, Decision: model.DecisionUndecided},
			},
		},
		"a succeeded analysis should include its decision": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetTask", mock.Anything, taskID).Once().Return(&analysis, nil)
				m.On("ListTimeline", mock.Anything, taskID).Once().Return(timeline, nil)
				m.On("GetApproval", mock.Anything, taskID).Once().Return(&model.Approval{TaskID: taskID, Decision: model.DecisionApproved, DecidedAt: &decidedAt}, nil)
			},
			req: status.Request{TaskID: taskID},
			expResp: &status.Response{
				Task:     analysis,
				Timeline: timeline,
				Approval: &model.Approval{TaskID: taskID, Decision: model.DecisionApproved, DecidedAt: &decidedAt},
			},
		},
		"an invalid id should fail without querying": {
			mock:     func(m *storagemock.MockRepository) {},
			req:      status.Request{TaskID: "nonexistent"},
			expErr:   true,
			expErrIs: model.ErrNotValid,
		},
		"task not found": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetTask", mock.Anything, taskID).Once().Return(nil, model.ErrNotFound)
			},
			req:      status.Request{TaskID: taskID},
			expErr:   true,
			expErrIs: model.ErrNotFound,
		},
		"repository error should propagate": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetTask", mock.Anything, taskID).Once().Return(&slicing, nil)
				m.On("ListTimeline", mock.Anything, taskID).Once().Return(nil, fmt.Errorf("database error"))
			},
			req:    status.Request{TaskID: taskID},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			// Setup
			m := &storagemock.MockRepository{}
			test.mock(m)

			svc, err := status.NewService(status.ServiceConfig{
				Repository: m,
				Logger:     log.Noop,
			})
			require.NoError(err)

			// Execute
			resp, err := svc.Run(context.Background(), test.req)

			// Verify
			if test.expErr {
				assert.Error(err)
				if test.expErrIs != nil {
					assert.ErrorIs(err, test.expErrIs)
				}
			} else {
				assert.NoError(err)
				assert.Equal(test.expResp, resp)
			}

			m.AssertExpectations(t)
		})
	}
}
