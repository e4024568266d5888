package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/orchestrator"
	"github.com/slok/printlink/internal/producer"
	"github.com/slok/printlink/internal/producer/fake"
	"github.com/slok/printlink/internal/progress"
	"github.com/slok/printlink/internal/storage"
	"github.com/slok/printlink/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	orch     *orchestrator.Orchestrator
	repo     *memory.Repository
	store    *artifact.Store
	producer *fake.Producer
	streamer *progress.Streamer
	clock    *clock
}

func newEnv(t *testing.T, pcfg fake.ProducerConfig, cacheTTL time.Duration) env {
	t.Helper()

	prod, err := fake.NewProducer(pcfg)
	require.NoError(t, err)
	e := newEnvWith(t, envOpts{producer: prod, cacheTTL: cacheTTL})
	e.producer = prod
	return e
}

type envOpts struct {
	producer producer.Producer
	cacheTTL time.Duration
	// wrapRepo replaces the repository seen by the orchestrator.
	wrapRepo func(storage.TaskRepository) storage.TaskRepository
}

func newEnvWith(t *testing.T, opts envOpts) env {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	store, err := artifact.NewStore(artifact.StoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	streamer, err := progress.NewStreamer(progress.StreamerConfig{Timeline: repo})
	require.NoError(t, err)
	clk := newClock()

	var taskRepo storage.TaskRepository = repo
	if opts.wrapRepo != nil {
		taskRepo = opts.wrapRepo(repo)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Repository: taskRepo,
		Producers: map[model.TaskType]producer.Producer{
			model.TaskTypeSlicing:  opts.producer,
			model.TaskTypeAnalysis: opts.producer,
		},
		Artifacts: store,
		Streamer:  streamer,
		Backoff:   orchestrator.Backoff{Rand: func() float64 { return 0.5 }},
		CacheTTL:  opts.cacheTTL,
		Now:       clk.Now,
	})
	require.NoError(t, err)

	return env{orch: orch, repo: repo, store: store, streamer: streamer, clock: clk}
}

func slicingRequest() model.TaskRequest {
	return model.TaskRequest{
		Type:        model.TaskTypeSlicing,
		InputRef:    "models/benchy.stl",
		InputParams: map[string]string{"layer_height": "0.2"},
		DeviceModel: "mk4",
		MaxRetries:  3,
	}
}

func TestCreateValidation(t *testing.T) {
	tests := map[string]struct {
		req    model.TaskRequest
		expErr error
	}{
		"Unknown type should fail.": {
			req:    model.TaskRequest{Type: "painting", InputRef: "a"},
			expErr: model.ErrNotValid,
		},
		"Missing input should fail.": {
			req:    model.TaskRequest{Type: model.TaskTypeSlicing},
			expErr: model.ErrNotValid,
		},
		"Negative retries should fail.": {
			req:    model.TaskRequest{Type: model.TaskTypeSlicing, InputRef: "a", MaxRetries: -1},
			expErr: model.ErrNotValid,
		},
		"A valid request should create a pending task.": {
			req: model.TaskRequest{Type: model.TaskTypeSlicing, InputRef: "a"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			e := newEnv(t, fake.ProducerConfig{}, 0)

			task, err := e.orch.Create(context.Background(), test.req)
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(model.TaskStatusPending, task.Status)
			assert.Equal(3, task.MaxRetries)
			assert.NotEmpty(task.ID)
			assert.NotEmpty(task.CacheKey)
		})
	}
}

func TestCreateMissingProducer(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	store, err := artifact.NewStore(artifact.StoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	prod, err := fake.NewProducer(fake.ProducerConfig{})
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Config{
		Repository: repo,
		Producers:  map[model.TaskType]producer.Producer{model.TaskTypeSlicing: prod},
		Artifacts:  store,
	})
	require.NoError(t, err)

	_, err = orch.Create(context.Background(), model.TaskRequest{Type: model.TaskTypeAnalysis, InputRef: "a"})
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestCacheKey(t *testing.T) {
	base := slicingRequest()

	other := slicingRequest()
	other.InputParams = map[string]string{"layer_height": "0.3"}
	otherModel := slicingRequest()
	otherModel.DeviceModel = "mini"
	reordered := slicingRequest()
	reordered.InputParams = map[string]string{"layer_height": "0.2"}
	reordered.MaxRetries = 1

	assert := assert.New(t)
	assert.Equal(orchestrator.CacheKey(base), orchestrator.CacheKey(reordered))
	assert.NotEqual(orchestrator.CacheKey(base), orchestrator.CacheKey(other))
	assert.NotEqual(orchestrator.CacheKey(base), orchestrator.CacheKey(otherModel))

	// The input content identifies the input when known.
	digested := slicingRequest()
	digested.InputDigest = artifact.Ref([]byte("solid benchy"))
	moved := digested
	moved.InputRef = "other/place/benchy.stl"
	edited := digested
	edited.InputDigest = artifact.Ref([]byte("solid benchy v2"))
	assert.Equal(orchestrator.CacheKey(digested), orchestrator.CacheKey(moved))
	assert.NotEqual(orchestrator.CacheKey(digested), orchestrator.CacheKey(edited))
	assert.NotEqual(orchestrator.CacheKey(base), orchestrator.CacheKey(digested))
}

func TestConcurrentCreateRunsOneGeneration(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{}, 0)
	ctx := context.Background()

	const callers = 10
	tasks := make([]*model.Task, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := e.orch.Create(ctx, slicingRequest())
			assert.NoError(err)
			tasks[i] = task
		}()
	}
	wg.Wait()

	for _, task := range tasks {
		require.NotNil(task)
		assert.Equal(tasks[0].ID, task.ID)
	}

	// Every caller processing its task runs the producer once.
	var refs []string
	for _, task := range tasks {
		got, err := e.orch.Process(ctx, task.ID)
		require.NoError(err)
		refs = append(refs, got.OutputRef)
	}
	assert.Equal(1, e.producer.Calls())
	for _, r := range refs {
		assert.Equal(refs[0], r)
	}
}

func TestProcessSuccess(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{}, time.Hour)
	ctx := context.Background()

	task, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)

	events, cancel := e.streamer.Subscribe(task.ID)
	defer cancel()

	got, err := e.orch.Process(ctx, task.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusSucceeded, got.Status)
	assert.NotNil(got.StartedAt)
	assert.NotNil(got.CompletedAt)
	assert.Equal("fake", got.OutputMetadata["producer"])

	data, err := e.store.Get(ctx, got.OutputRef)
	require.NoError(err)
	assert.Contains(string(data), "models/benchy.stl")

	var last model.ProgressEvent
	for ev := range events {
		last = ev
	}
	assert.Equal(model.NewCompleteEvent(got.OutputRef), last)

	timeline, err := e.streamer.Timeline(ctx, task.ID)
	require.NoError(err)
	assert.Len(timeline, 3)

	entry, err := e.repo.GetCacheEntry(ctx, task.CacheKey)
	require.NoError(err)
	assert.Equal(got.OutputRef, entry.OutputRef)
	require.NotNil(entry.ExpiresAt)
	assert.Equal(e.clock.Now().Add(time.Hour), *entry.ExpiresAt)
}

func TestProcessIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{}, 0)
	ctx := context.Background()

	task, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)

	first, err := e.orch.Process(ctx, task.ID)
	require.NoError(err)
	second, err := e.orch.Process(ctx, task.ID)
	require.NoError(err)

	assert.Equal(first, second)
	assert.Equal(1, e.producer.Calls())
}

func TestProcessRetries(t *testing.T) {
	tests := map[string]struct {
		failTimes   int
		maxRetries  int
		expStatus   model.TaskStatus
		expCalls    int
		expRetries  int
		expErrorMsg bool
	}{
		"A task failing less than its retries should succeed.": {
			failTimes:  2,
			maxRetries: 3,
			expStatus:  model.TaskStatusSucceeded,
			expCalls:   3,
			expRetries: 2,
		},
		"A task failing as many times as its retries should end failed.": {
			failTimes:   3,
			maxRetries:  3,
			expStatus:   model.TaskStatusFailed,
			expCalls:    3,
			expRetries:  3,
			expErrorMsg: true,
		},
		"A single attempt task should fail at once.": {
			failTimes:   1,
			maxRetries:  1,
			expStatus:   model.TaskStatusFailed,
			expCalls:    1,
			expRetries:  1,
			expErrorMsg: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			e := newEnv(t, fake.ProducerConfig{FailTimes: test.failTimes}, 0)
			ctx := context.Background()

			req := slicingRequest()
			req.MaxRetries = test.maxRetries
			task, err := e.orch.Create(ctx, req)
			require.NoError(err)

			var got *model.Task
			for range 10 {
				got, err = e.orch.Process(ctx, task.ID)
				require.NoError(err)
				if got.Status.IsTerminal() {
					break
				}
				require.Equal(model.TaskStatusPending, got.Status)
				require.NotNil(got.NextAttemptAt)

				// Not due yet.
				again, err := e.orch.Process(ctx, task.ID)
				require.NoError(err)
				require.Equal(model.TaskStatusPending, again.Status)

				e.clock.Add(10 * time.Minute)
			}

			assert.Equal(test.expStatus, got.Status)
			assert.Equal(test.expCalls, e.producer.Calls())
			assert.Equal(test.expRetries, got.RetryCount)
			assert.Equal(test.expErrorMsg, got.ErrorMessage != "")
			assert.LessOrEqual(got.RetryCount, got.MaxRetries)

			// Terminal tasks are never run again.
			e.clock.Add(time.Hour)
			_, err = e.orch.Process(ctx, task.ID)
			require.NoError(err)
			assert.Equal(test.expCalls, e.producer.Calls())
		})
	}
}

func TestProcessFailureBackoff(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{AlwaysFail: true}, 0)
	ctx := context.Background()

	task, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)

	start := e.clock.Now()
	got, err := e.orch.Process(ctx, task.ID)
	require.NoError(err)
	require.NotNil(got.NextAttemptAt)
	assert.Equal(start.Add(2*time.Second), *got.NextAttemptAt)

	e.clock.Add(2 * time.Second)
	got, err = e.orch.Process(ctx, task.ID)
	require.NoError(err)
	require.NotNil(got.NextAttemptAt)
	assert.Equal(e.clock.Now().Add(4*time.Second), *got.NextAttemptAt)
}

func TestFailedTaskPublishesError(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{AlwaysFail: true}, 0)
	ctx := context.Background()

	req := slicingRequest()
	req.MaxRetries = 1
	task, err := e.orch.Create(ctx, req)
	require.NoError(err)

	events, cancel := e.streamer.Subscribe(task.ID)
	defer cancel()

	got, err := e.orch.Process(ctx, task.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusFailed, got.Status)

	var last model.ProgressEvent
	for ev := range events {
		last = ev
	}
	assert.Equal(model.ProgressEventError, last.Kind)
	assert.Contains(last.Message, "fake slicing failed")

	_, err = e.repo.GetCacheEntry(ctx, task.CacheKey)
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestCreateCacheHit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{}, time.Hour)
	ctx := context.Background()

	first, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)
	done, err := e.orch.Process(ctx, first.ID)
	require.NoError(err)

	cached, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)
	assert.NotEqual(first.ID, cached.ID)
	assert.Equal(model.TaskStatusSucceeded, cached.Status)
	assert.Equal(done.OutputRef, cached.OutputRef)
	assert.Equal("hit", cached.OutputMetadata["cache"])
	assert.Equal(1, e.producer.Calls())

	// Expired entries generate again.
	e.clock.Add(2 * time.Hour)
	fresh, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)
	assert.Equal(model.TaskStatusPending, fresh.Status)
}

// racingRepository makes the first pending task creation lose the key to a
// task created by someone else right before.
type racingRepository struct {
	storage.TaskRepository
	once   sync.Once
	winner func()
}

func (r *racingRepository) CreateTask(ctx context.Context, t model.Task) error {
	raced := false
	if t.Status == model.TaskStatusPending {
		r.once.Do(func() {
			r.winner()
			raced = true
		})
	}
	if raced {
		return fmt.Errorf("in flight task for key %s: %w", t.CacheKey, model.ErrAlreadyExists)
	}
	return r.TaskRepository.CreateTask(ctx, t)
}

func TestCreateLosingToAFinishedTaskReusesIt(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	prod, err := fake.NewProducer(fake.ProducerConfig{})
	require.NoError(err)

	var e env
	var winnerRef string
	winnerID := "winner"
	e = newEnvWith(t, envOpts{
		producer: prod,
		wrapRepo: func(r storage.TaskRepository) storage.TaskRepository {
			return &racingRepository{TaskRepository: r, winner: func() {
				// The other process creates, runs and finishes the same job.
				key := orchestrator.CacheKey(slicingRequest())
				ref, err := e.store.Put(ctx, []byte("G28"))
				require.NoError(err)
				winnerRef = ref
				now := e.clock.Now()
				require.NoError(r.CreateTask(ctx, model.Task{
					ID: winnerID, Type: model.TaskTypeSlicing, Status: model.TaskStatusSucceeded,
					InputRef: "models/benchy.stl", OutputRef: ref, CacheKey: key,
					CreatedAt: now, StartedAt: &now, CompletedAt: &now,
				}))
				require.NoError(r.PutCacheEntry(ctx, model.CacheEntry{Key: key, TaskID: winnerID, OutputRef: ref, CreatedAt: now}))
			}}
		},
	})

	got, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)
	assert.Equal(model.TaskStatusSucceeded, got.Status)
	assert.Equal(winnerRef, got.OutputRef)
	assert.Equal("hit", got.OutputMetadata["cache"])
	assert.Equal(winnerID, got.OutputMetadata["cached_from"])
	assert.Equal(0, prod.Calls())
}

func TestCreateAfterFailureCreatesNewTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{FailTimes: 1}, 0)
	ctx := context.Background()

	req := slicingRequest()
	req.MaxRetries = 1
	failed, err := e.orch.Create(ctx, req)
	require.NoError(err)
	got, err := e.orch.Process(ctx, failed.ID)
	require.NoError(err)
	require.Equal(model.TaskStatusFailed, got.Status)

	retry, err := e.orch.Create(ctx, req)
	require.NoError(err)
	assert.NotEqual(failed.ID, retry.ID)
	assert.Equal(model.TaskStatusPending, retry.Status)
}

func TestProcessCancelledReleasesTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{Delay: time.Minute}, 0)

	task, err := e.orch.Create(context.Background(), slicingRequest())
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.orch.Process(ctx, task.ID)
	assert.True(errors.Is(err, context.DeadlineExceeded))

	got, err := e.orch.Poll(context.Background(), task.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusPending, got.Status)
	assert.Equal(0, got.RetryCount)
}

func TestResume(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{}, 0)
	ctx := context.Background()

	pending, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)

	req := slicingRequest()
	req.InputRef = "models/other.stl"
	abandoned, err := e.orch.Create(ctx, req)
	require.NoError(err)
	claimed, err := e.repo.ClaimTask(ctx, abandoned.ID, e.clock.Now())
	require.NoError(err)
	require.True(claimed)

	// Still fresh.
	due, err := e.orch.Resume(ctx)
	require.NoError(err)
	require.Len(due, 1)
	assert.Equal(pending.ID, due[0].ID)

	// Stale running tasks count as a failed attempt and wait their backoff.
	e.clock.Add(time.Hour)
	_, err = e.orch.Resume(ctx)
	require.NoError(err)
	got, err := e.orch.Poll(ctx, abandoned.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusPending, got.Status)
	assert.Equal(1, got.RetryCount)

	e.clock.Add(time.Minute)
	due, err = e.orch.Resume(ctx)
	require.NoError(err)
	assert.Len(due, 2)
}

func TestStaleAttemptCantOverwriteRecoveredTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	prod := producer.ProducerFunc(func(_ context.Context, _ producer.Job, _ producer.Reporter) (*producer.Output, error) {
		close(started)
		<-release
		return &producer.Output{Data: []byte("G28 late")}, nil
	})
	e := newEnvWith(t, envOpts{producer: prod})

	req := slicingRequest()
	req.MaxRetries = 1
	task, err := e.orch.Create(ctx, req)
	require.NoError(err)

	type result struct {
		task *model.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		got, err := e.orch.Process(ctx, task.ID)
		done <- result{task: got, err: err}
	}()
	<-started

	// The worker looks dead, recovery fails its only attempt.
	e.clock.Add(31 * time.Minute)
	_, err = e.orch.Resume(ctx)
	require.NoError(err)
	recovered, err := e.orch.Poll(ctx, task.ID)
	require.NoError(err)
	require.Equal(model.TaskStatusFailed, recovered.Status)
	require.Equal(1, recovered.RetryCount)

	// The slow worker finishes afterwards.
	close(release)
	res := <-done
	require.NoError(res.err)
	assert.Equal(model.TaskStatusFailed, res.task.Status)

	got, err := e.orch.Poll(ctx, task.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusFailed, got.Status)
	assert.Equal(1, got.RetryCount)
	assert.Empty(got.OutputRef)
	assert.Equal(recovered.CompletedAt, got.CompletedAt)
}

func TestRetriedTaskProgressNeverGoesBack(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{FailTimes: 1}, 0)
	ctx := context.Background()

	task, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)

	events, cancel := e.streamer.Subscribe(task.ID)
	defer cancel()

	got, err := e.orch.Process(ctx, task.ID)
	require.NoError(err)
	require.Equal(model.TaskStatusPending, got.Status)
	e.clock.Add(10 * time.Minute)
	got, err = e.orch.Process(ctx, task.ID)
	require.NoError(err)
	require.Equal(model.TaskStatusSucceeded, got.Status)

	var fractions []float64
	terminals := 0
	for ev := range events {
		switch ev.Kind {
		case model.ProgressEventProgress:
			fractions = append(fractions, ev.Fraction)
		case model.ProgressEventComplete, model.ProgressEventError:
			terminals++
		}
	}

	require.NotEmpty(fractions)
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(fractions[i], fractions[i-1])
	}
	assert.InDelta(1.0, fractions[len(fractions)-1], 1e-9)
	assert.Equal(1, terminals)
}

func TestWaitTerminal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := newEnv(t, fake.ProducerConfig{Delay: 20 * time.Millisecond}, 0)
	ctx := context.Background()

	task, err := e.orch.Create(ctx, slicingRequest())
	require.NoError(err)

	go func() { _, _ = e.orch.Process(ctx, task.ID) }()

	got, err := e.orch.WaitTerminal(ctx, task.ID, 5*time.Millisecond)
	require.NoError(err)
	assert.Equal(model.TaskStatusSucceeded, got.Status)
}

func TestBackoffDelay(t *testing.T) {
	tests := map[string]struct {
		backoff  orchestrator.Backoff
		retry    int
		expDelay time.Duration
	}{
		"First retry should wait the base.": {
			backoff:  orchestrator.Backoff{Rand: func() float64 { return 0.5 }},
			retry:    1,
			expDelay: 2 * time.Second,
		},
		"Delays should grow by the factor.": {
			backoff:  orchestrator.Backoff{Rand: func() float64 { return 0.5 }},
			retry:    4,
			expDelay: 16 * time.Second,
		},
		"Delays should be capped.": {
			backoff:  orchestrator.Backoff{Rand: func() float64 { return 0.5 }},
			retry:    30,
			expDelay: 5 * time.Minute,
		},
		"Jitter should spread the delay down.": {
			backoff:  orchestrator.Backoff{Base: time.Second, Jitter: 0.2, Rand: func() float64 { return 0 }},
			retry:    1,
			expDelay: 800 * time.Millisecond,
		},
		"Jitter should spread the delay up.": {
			backoff:  orchestrator.Backoff{Base: time.Second, Jitter: 0.2, Rand: func() float64 { return 1 }},
			retry:    1,
			expDelay: 1200 * time.Millisecond,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expDelay, test.backoff.Delay(test.retry))
		})
	}
}
