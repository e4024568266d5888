// Package storagemock has testify mocks of the storage repositories.
package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
)

// MockRepository is a mock of storage.Repository.
type MockRepository struct {
	mock.Mock
}

var _ storage.Repository = &MockRepository{}

func (m *MockRepository) CreateTask(ctx context.Context, t model.Task) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockRepository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*model.Task)
	return t, args.Error(1)
}

func (m *MockRepository) ListTasks(ctx context.Context, opts storage.ListTasksOpts) ([]model.Task, error) {
	args := m.Called(ctx, opts)
	ts, _ := args.Get(0).([]model.Task)
	return ts, args.Error(1)
}

func (m *MockRepository) UpdateClaimedTask(ctx context.Context, t model.Task, claimedAt time.Time) (bool, error) {
	args := m.Called(ctx, t, claimedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) GetInflightTask(ctx context.Context, cacheKey string) (*model.Task, error) {
	args := m.Called(ctx, cacheKey)
	t, _ := args.Get(0).(*model.Task)
	return t, args.Error(1)
}

func (m *MockRepository) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	args := m.Called(ctx, key)
	e, _ := args.Get(0).(*model.CacheEntry)
	return e, args.Error(1)
}

func (m *MockRepository) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockRepository) SaveTimelineStep(ctx context.Context, taskID string, step model.TimelineStep) error {
	args := m.Called(ctx, taskID, step)
	return args.Error(0)
}

func (m *MockRepository) ListTimeline(ctx context.Context, taskID string) ([]model.TimelineStep, error) {
	args := m.Called(ctx, taskID)
	s, _ := args.Get(0).([]model.TimelineStep)
	return s, args.Error(1)
}

func (m *MockRepository) GetApproval(ctx context.Context, taskID string) (*model.Approval, error) {
	args := m.Called(ctx, taskID)
	a, _ := args.Get(0).(*model.Approval)
	return a, args.Error(1)
}

func (m *MockRepository) DecideApproval(ctx context.Context, a model.Approval) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}
