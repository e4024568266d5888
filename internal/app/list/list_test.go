package list_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/printlink/internal/app/list"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
	"github.com/slok/printlink/internal/storage/storagemock"
)

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		config list.ServiceConfig
		expErr bool
	}{
		"valid config should create service": {
			config: list.ServiceConfig{
				Repository: &storagemock.MockRepository{},
				Logger:     log.Noop,
			},
			expErr: false,
		},
		"missing repository should fail": {
			config: list.ServiceConfig{
				Logger: log.Noop,
			},
			expErr: true,
		},
		"nil logger should default to noop": {
			config: list.ServiceConfig{
				Repository: &storagemock.MockRepository{},
			},
			expErr: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			svc, err := list.NewService(test.config)

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
	createdAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	tasks := []model.Task{
		{ID: "01H2QWERTYASDFGZXCVBNMLKJA", Type: model.TaskTypeSlicing, Status: model.TaskStatusSucceeded, CreatedAt: createdAt},
		{ID: "01H2QWERTYASDFGZXCVBNMLKJB", Type: model.TaskTypeAnalysis, Status: model.TaskStatusPending, CreatedAt: createdAt},
	}
	pending := model.TaskStatusPending
	analysis := model.TaskTypeAnalysis

	tests := map[string]struct {
		mock     func(m *storagemock.MockRepository)
		req      list.Request
		expTasks []model.Task
		expErr   bool
	}{
		"list all tasks": {
			mock: func(m *storagemock.MockRepository) {
				m.On("ListTasks", mock.Anything, storage.ListTasksOpts{}).Once().Return(tasks, nil)
			},
			req:      list.Request{},
			expTasks: tasks,
		},
		"filters should be passed to the repository": {
			mock: func(m *storagemock.MockRepository) {
				exp := storage.ListTasksOpts{Status: &pending, Type: &analysis, Limit: 5}
				m.On("ListTasks", mock.Anything, exp).Once().Return(tasks[1:], nil)
			},
			req:      list.Request{StatusFilter: &pending, TypeFilter: &analysis, Limit: 5},
			expTasks: tasks[1:],
		},
		"negative limit should fail": {
			mock:   func(m *storagemock.MockRepository) {},
			req:    list.Request{Limit: -1},
			expErr: true,
		},
		"repository error should propagate": {
			mock: func(m *storagemock.MockRepository) {
				m.On("ListTasks", mock.Anything, mock.Anything).Once().Return(nil, fmt.Errorf("database error"))
			},
			req:    list.Request{},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			m := &storagemock.MockRepository{}
			test.mock(m)

			svc, err := list.NewService(list.ServiceConfig{Repository: m, Logger: log.Noop})
			require.NoError(err)

			got, err := svc.Run(context.Background(), test.req)

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
				assert.Equal(test.expTasks, got)
			}

			m.AssertExpectations(t)
		})
	}
}
