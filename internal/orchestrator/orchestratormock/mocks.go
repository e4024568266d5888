// Package orchestratormock has testify mocks of the task orchestrator.
package orchestratormock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/printlink/internal/model"
)

// MockOrchestrator is a mock of the orchestrator.Orchestrator methods the use
// cases depend on.
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) Create(ctx context.Context, req model.TaskRequest) (*model.Task, error) {
	args := m.Called(ctx, req)
	t, _ := args.Get(0).(*model.Task)
	return t, args.Error(1)
}

func (m *MockOrchestrator) Poll(ctx context.Context, taskID string) (*model.Task, error) {
	args := m.Called(ctx, taskID)
	t, _ := args.Get(0).(*model.Task)
	return t, args.Error(1)
}

func (m *MockOrchestrator) Process(ctx context.Context, taskID string) (*model.Task, error) {
	args := m.Called(ctx, taskID)
	t, _ := args.Get(0).(*model.Task)
	return t, args.Error(1)
}

func (m *MockOrchestrator) Run(ctx context.Context, taskID string) (*model.Task, error) {
	args := m.Called(ctx, taskID)
	t, _ := args.Get(0).(*model.Task)
	return t, args.Error(1)
}

func (m *MockOrchestrator) Resume(ctx context.Context) ([]model.Task, error) {
	args := m.Called(ctx)
	ts, _ := args.Get(0).([]model.Task)
	return ts, args.Error(1)
}
