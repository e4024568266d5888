package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
	"github.com/slok/printlink/internal/storage/sqlite"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func taskFixture(id string, status model.TaskStatus, cacheKey string) model.Task {
	return model.Task{
		ID:          id,
		Type:        model.TaskTypeSlicing,
		Status:      status,
		InputRef:    "models/benchy.stl",
		InputParams: map[string]string{"layer_height": "0.2"},
		MaxRetries:  3,
		CacheKey:    cacheKey,
		CreatedAt:   t0,
	}
}

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestNewRepository(t *testing.T) {
	_, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{})
	assert.Error(t, err)
}

func TestTaskCRUD(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)

	task := taskFixture("01J0000000000000000000000A", model.TaskStatusPending, "k1")
	require.NoError(repo.CreateTask(ctx, task))

	err := repo.CreateTask(ctx, task)
	assert.True(errors.Is(err, model.ErrAlreadyExists))

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(err)
	assert.Equal(task, *got)

	claimed, err := repo.ClaimTask(ctx, task.ID, t0)
	require.NoError(err)
	require.True(claimed)

	completed := t0.Add(time.Minute)
	task.Status = model.TaskStatusSucceeded
	task.StartedAt = &t0
	task.OutputRef = "blake3:abc"
	task.OutputMetadata = map[string]string{"lines": "1200"}
	task.CompletedAt = &completed
	ok, err := repo.UpdateClaimedTask(ctx, task, t0)
	require.NoError(err)
	assert.True(ok)

	got, err = repo.GetTask(ctx, task.ID)
	require.NoError(err)
	assert.Equal(task, *got)

	_, err = repo.GetTask(ctx, "missing")
	assert.True(errors.Is(err, model.ErrNotFound))

	ok, err = repo.UpdateClaimedTask(ctx, taskFixture("missing", model.TaskStatusPending, ""), t0)
	require.NoError(err)
	assert.False(ok)
}

func TestUpdateClaimedTaskOwnership(t *testing.T) {
	tests := map[string]struct {
		claimAt   time.Time
		updateAt  time.Time
		failFirst bool
		expOK     bool
	}{
		"The worker owning the claim should update the task": {
			claimAt:  t0,
			updateAt: t0,
			expOK:    true,
		},
		"A worker with an older claim should not update the task": {
			claimAt:  t0.Add(time.Hour),
			updateAt: t0,
		},
		"A task already finished by someone else should not be updated": {
			claimAt:   t0,
			updateAt:  t0,
			failFirst: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()
			repo := newRepo(t)

			task := taskFixture("a", model.TaskStatusPending, "k")
			require.NoError(repo.CreateTask(ctx, task))
			claimed, err := repo.ClaimTask(ctx, "a", test.claimAt)
			require.NoError(err)
			require.True(claimed)

			if test.failFirst {
				failed := task
				failed.Status = model.TaskStatusFailed
				failed.StartedAt = &test.claimAt
				failed.RetryCount = 3
				ok, err := repo.UpdateClaimedTask(ctx, failed, test.claimAt)
				require.NoError(err)
				require.True(ok)
			}

			succeeded := task
			succeeded.Status = model.TaskStatusSucceeded
			succeeded.StartedAt = &test.updateAt
			succeeded.OutputRef = "blake3:late"
			ok, err := repo.UpdateClaimedTask(ctx, succeeded, test.updateAt)
			require.NoError(err)
			assert.Equal(test.expOK, ok)

			got, err := repo.GetTask(ctx, "a")
			require.NoError(err)
			if test.expOK {
				assert.Equal(model.TaskStatusSucceeded, got.Status)
			} else {
				assert.NotEqual(model.TaskStatusSucceeded, got.Status)
				assert.Empty(got.OutputRef)
			}
		})
	}
}

func TestInflightCacheKeyIsUnique(t *testing.T) {
	tests := map[string]struct {
		first  model.TaskStatus
		second model.TaskStatus
		key    string
		expErr error
	}{
		"Two pending tasks with the same key should fail": {
			first:  model.TaskStatusPending,
			second: model.TaskStatusPending,
			key:    "k",
			expErr: model.ErrAlreadyExists,
		},

		"A pending task with the key of a running task should fail": {
			first:  model.TaskStatusRunning,
			second: model.TaskStatusPending,
			key:    "k",
			expErr: model.ErrAlreadyExists,
		},

		"A pending task with the key of a terminal task should work": {
			first:  model.TaskStatusFailed,
			second: model.TaskStatusPending,
			key:    "k",
		},

		"A synthesized succeeded task next to an in flight one should work": {
			first:  model.TaskStatusPending,
			second: model.TaskStatusSucceeded,
			key:    "k",
		},

		"Tasks without key should not collide": {
			first:  model.TaskStatusPending,
			second: model.TaskStatusPending,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)

			require.NoError(t, repo.CreateTask(ctx, taskFixture("a", test.first, test.key)))
			err := repo.CreateTask(ctx, taskFixture("b", test.second, test.key))
			if test.expErr != nil {
				assert.True(t, errors.Is(err, test.expErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetInflightTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(repo.CreateTask(ctx, taskFixture("done", model.TaskStatusSucceeded, "k")))
	_, err := repo.GetInflightTask(ctx, "k")
	assert.True(errors.Is(err, model.ErrNotFound))

	require.NoError(repo.CreateTask(ctx, taskFixture("live", model.TaskStatusRunning, "k")))
	got, err := repo.GetInflightTask(ctx, "k")
	require.NoError(err)
	assert.Equal("live", got.ID)
}

func TestClaimTask(t *testing.T) {
	later := t0.Add(10 * time.Second)

	tests := map[string]struct {
		task     func() model.Task
		at       time.Time
		expClaim bool
	}{
		"A pending task should be claimed": {
			task:     func() model.Task { return taskFixture("a", model.TaskStatusPending, "") },
			at:       t0,
			expClaim: true,
		},

		"A running task should not be claimed": {
			task: func() model.Task { return taskFixture("a", model.TaskStatusRunning, "") },
			at:   t0,
		},

		"A pending task in backoff should not be claimed": {
			task: func() model.Task {
				tk := taskFixture("a", model.TaskStatusPending, "")
				tk.NextAttemptAt = &later
				return tk
			},
			at: t0,
		},

		"A pending task with an elapsed backoff should be claimed": {
			task: func() model.Task {
				tk := taskFixture("a", model.TaskStatusPending, "")
				tk.NextAttemptAt = &later
				return tk
			},
			at:       later,
			expClaim: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()
			repo := newRepo(t)

			require.NoError(repo.CreateTask(ctx, test.task()))
			claimed, err := repo.ClaimTask(ctx, "a", test.at)
			require.NoError(err)
			assert.Equal(test.expClaim, claimed)

			if claimed {
				got, err := repo.GetTask(ctx, "a")
				require.NoError(err)
				assert.Equal(model.TaskStatusRunning, got.Status)
				assert.Equal(test.at, *got.StartedAt)
				assert.Nil(got.NextAttemptAt)

				// Claims are exclusive.
				again, err := repo.ClaimTask(ctx, "a", test.at)
				require.NoError(err)
				assert.False(again)
			}
		})
	}
}

func TestListTasks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)

	later := t0.Add(time.Hour)
	a := taskFixture("a", model.TaskStatusPending, "")
	b := taskFixture("b", model.TaskStatusPending, "")
	b.CreatedAt = t0.Add(time.Second)
	b.NextAttemptAt = &later
	c := taskFixture("c", model.TaskStatusFailed, "")
	c.Type = model.TaskTypeAnalysis
	c.CreatedAt = t0.Add(2 * time.Second)
	for _, tk := range []model.Task{c, b, a} {
		require.NoError(repo.CreateTask(ctx, tk))
	}

	ids := func(tasks []model.Task) []string {
		var out []string
		for _, t := range tasks {
			out = append(out, t.ID)
		}
		return out
	}

	all, err := repo.ListTasks(ctx, storage.ListTasksOpts{})
	require.NoError(err)
	assert.Equal([]string{"a", "b", "c"}, ids(all))

	pending := model.TaskStatusPending
	got, err := repo.ListTasks(ctx, storage.ListTasksOpts{Status: &pending})
	require.NoError(err)
	assert.Equal([]string{"a", "b"}, ids(got))

	got, err = repo.ListTasks(ctx, storage.ListTasksOpts{Status: &pending, DueAt: &t0})
	require.NoError(err)
	assert.Equal([]string{"a"}, ids(got))

	analysis := model.TaskTypeAnalysis
	got, err = repo.ListTasks(ctx, storage.ListTasksOpts{Type: &analysis})
	require.NoError(err)
	assert.Equal([]string{"c"}, ids(got))

	got, err = repo.ListTasks(ctx, storage.ListTasksOpts{Limit: 1})
	require.NoError(err)
	assert.Equal([]string{"a"}, ids(got))
}

func TestCacheEntries(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.GetCacheEntry(ctx, "k")
	assert.True(errors.Is(err, model.ErrNotFound))

	exp := t0.Add(time.Hour)
	e := model.CacheEntry{Key: "k", TaskID: "a", OutputRef: "blake3:1", CreatedAt: t0, ExpiresAt: &exp}
	require.NoError(repo.PutCacheEntry(ctx, e))

	got, err := repo.GetCacheEntry(ctx, "k")
	require.NoError(err)
	assert.Equal(e, *got)

	e.TaskID = "b"
	e.OutputRef = "blake3:2"
	e.ExpiresAt = nil
	require.NoError(repo.PutCacheEntry(ctx, e))

	got, err = repo.GetCacheEntry(ctx, "k")
	require.NoError(err)
	assert.Equal(e, *got)
}

func TestTimeline(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(repo.SaveTimelineStep(ctx, "a", model.TimelineStep{Step: 2, Label: "slicing", Status: "running"}))
	require.NoError(repo.SaveTimelineStep(ctx, "a", model.TimelineStep{Step: 1, Label: "loading", Status: "done"}))
	require.NoError(repo.SaveTimelineStep(ctx, "a", model.TimelineStep{Step: 2, Label: "slicing", Status: "done"}))
	require.NoError(repo.SaveTimelineStep(ctx, "b", model.TimelineStep{Step: 1, Label: "other", Status: "done"}))

	steps, err := repo.ListTimeline(ctx, "a")
	require.NoError(err)
	assert.Equal([]model.TimelineStep{
		{Step: 1, Label: "loading", Status: "done"},
		{Step: 2, Label: "slicing", Status: "done"},
	}, steps)
}

func TestApprovals(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.GetApproval(ctx, "a")
	assert.True(errors.Is(err, model.ErrNotFound))

	require.NoError(repo.DecideApproval(ctx, model.Approval{TaskID: "a", Decision: model.DecisionApproved, DecidedAt: &t0}))

	err = repo.DecideApproval(ctx, model.Approval{TaskID: "a", Decision: model.DecisionRejected})
	assert.True(errors.Is(err, model.ErrAlreadyDecided))

	got, err := repo.GetApproval(ctx, "a")
	require.NoError(err)
	assert.Equal(model.Approval{TaskID: "a", Decision: model.DecisionApproved, DecidedAt: &t0}, *got)
}
