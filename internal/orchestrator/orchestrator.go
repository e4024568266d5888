// Package orchestrator persists and drives the slicing and analysis tasks:
// cache short-circuit on creation, producer execution, and retry bookkeeping.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/producer"
	"github.com/slok/printlink/internal/progress"
	"github.com/slok/printlink/internal/storage"
)

const (
	// ParamDeviceModel is the input param that carries the target device model.
	ParamDeviceModel = "device_model"

	defaultMaxRetries = 3
	defaultStaleAfter = 30 * time.Minute
)

// ArtifactStore stores the produced artifacts.
type ArtifactStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// Config is the configuration for the orchestrator.
type Config struct {
	Repository storage.TaskRepository
	Producers  map[model.TaskType]producer.Producer
	Artifacts  ArtifactStore
	// Streamer receives the task progress, optional.
	Streamer *progress.Streamer
	Backoff  Backoff
	// CacheTTL is how long produced artifacts are reused, 0 never expires.
	CacheTTL time.Duration
	// DefaultMaxRetries is used by requests without max retries.
	DefaultMaxRetries int
	// StaleAfter is how long a task can stay running before Resume considers
	// its worker dead.
	StaleAfter time.Duration
	Now        func() time.Time
	IDGen      func() string
	Logger     log.Logger
}

func (c *Config) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if len(c.Producers) == 0 {
		return fmt.Errorf("at least one producer is required")
	}
	if c.Artifacts == nil {
		return fmt.Errorf("artifact store is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "orchestrator.Orchestrator"})
	if c.Streamer == nil {
		s, err := progress.NewStreamer(progress.StreamerConfig{Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create streamer: %w", err)
		}
		c.Streamer = s
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl can't be negative")
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = defaultMaxRetries
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.IDGen == nil {
		c.IDGen = func() string { return ulid.Make().String() }
	}
	if c.Backoff.Jitter == 0 && c.Backoff.Base == 0 && c.Backoff.Max == 0 {
		c.Backoff.Jitter = DefaultBackoff.Jitter
	}
	c.Backoff = c.Backoff.withDefaults()
	return nil
}

// Orchestrator creates and runs tasks.
type Orchestrator struct {
	repo       storage.TaskRepository
	producers  map[model.TaskType]producer.Producer
	artifacts  ArtifactStore
	streamer   *progress.Streamer
	backoff    Backoff
	cacheTTL   time.Duration
	maxRetries int
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
	flight     singleflight.Group
	logger     log.Logger
}

// New returns a new orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Orchestrator{
		repo:       cfg.Repository,
		producers:  cfg.Producers,
		artifacts:  cfg.Artifacts,
		streamer:   cfg.Streamer,
		backoff:    cfg.Backoff,
		cacheTTL:   cfg.CacheTTL,
		maxRetries: cfg.DefaultMaxRetries,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		newID:      cfg.IDGen,
		logger:     cfg.Logger,
	}, nil
}

// Streamer returns the progress streamer of the tasks.
func (o *Orchestrator) Streamer() *progress.Streamer { return o.streamer }

// CacheKey returns the cache key of a request: the task type, the input
// content (or its reference when the content is unknown), the target device
// model and the params.
func CacheKey(req model.TaskRequest) string {
	input := req.InputRef
	if req.InputDigest != "" {
		input = req.InputDigest
	}
	parts := []string{string(req.Type), input, req.DeviceModel}
	for _, k := range slices.Sorted(maps.Keys(req.InputParams)) {
		if k == ParamDeviceModel {
			continue
		}
		parts = append(parts, k+"="+req.InputParams[k])
	}
	return artifact.CacheKey(parts...)
}

// Create returns a task for the request. A valid cached artifact returns an
// already succeeded task and an in flight task with the same key is returned
// instead of creating a new one, so a key has at most one generation running.
func (o *Orchestrator) Create(ctx context.Context, req model.TaskRequest) (*model.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, ok := o.producers[req.Type]; !ok {
		return nil, fmt.Errorf("no producer for %s tasks: %w", req.Type, model.ErrNotValid)
	}

	key := CacheKey(req)
	v, err, shared := o.flight.Do(key, func() (any, error) {
		return o.create(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}

	t := v.(model.Task)
	if shared {
		o.logger.Debugf("Create of key %s shared task %s", key, t.ID)
	}
	return &t, nil
}

func (o *Orchestrator) create(ctx context.Context, req model.TaskRequest, key string) (model.Task, error) {
	logger := o.logger.WithValues(log.Kv{"key": key[:12]})

	// Losing the key to another process looks it up once more, its task may
	// have already ended and left a cache entry.
	for attempt := 1; ; attempt++ {
		t, err := o.tryCreate(ctx, req, key, logger)
		if errors.Is(err, model.ErrAlreadyExists) && attempt < 2 {
			logger.Infof("Lost creation race, looking the key up again")
			continue
		}
		return t, err
	}
}

func (o *Orchestrator) tryCreate(ctx context.Context, req model.TaskRequest, key string, logger log.Logger) (model.Task, error) {
	now := o.now()

	hit, err := o.cachedRef(ctx, key, now)
	if err != nil {
		return model.Task{}, err
	}
	if hit != nil {
		return o.createCached(ctx, req, key, hit, now, logger)
	}

	inflight, err := o.repo.GetInflightTask(ctx, key)
	if err == nil {
		logger.Infof("Attached to in flight task %s", inflight.ID)
		return *inflight, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Task{}, fmt.Errorf("could not get in flight task: %w", err)
	}

	t := model.Task{
		ID:          o.newID(),
		Type:        req.Type,
		Status:      model.TaskStatusPending,
		InputRef:    req.InputRef,
		InputParams: taskParams(req),
		MaxRetries:  o.maxRetriesFor(req),
		CacheKey:    key,
		CreatedAt:   now,
	}
	if err := o.repo.CreateTask(ctx, t); err != nil {
		return model.Task{}, fmt.Errorf("could not create task: %w", err)
	}

	logger.Infof("Created %s task %s", t.Type, t.ID)
	return t, nil
}

// createCached stores an already succeeded task reusing the cached artifact.
func (o *Orchestrator) createCached(ctx context.Context, req model.TaskRequest, key string, hit *model.CacheEntry, now time.Time, logger log.Logger) (model.Task, error) {
	t := model.Task{
		ID:             o.newID(),
		Type:           req.Type,
		Status:         model.TaskStatusSucceeded,
		InputRef:       req.InputRef,
		InputParams:    taskParams(req),
		OutputRef:      hit.OutputRef,
		OutputMetadata: map[string]string{"cache": "hit", "cached_from": hit.TaskID},
		MaxRetries:     o.maxRetriesFor(req),
		CacheKey:       key,
		CreatedAt:      now,
		StartedAt:      &now,
		CompletedAt:    &now,
	}
	if err := o.repo.CreateTask(ctx, t); err != nil {
		return model.Task{}, fmt.Errorf("could not create cached task: %w", err)
	}
	o.publish(ctx, t.ID, model.NewCompleteEvent(t.OutputRef), logger)
	logger.Infof("Cache hit, task %s reuses %s", t.ID, t.OutputRef)

	return t, nil
}

func (o *Orchestrator) cachedRef(ctx context.Context, key string, now time.Time) (*model.CacheEntry, error) {
	entry, err := o.repo.GetCacheEntry(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not get cache entry: %w", err)
	}
	if !entry.Valid(now) {
		return nil, nil
	}

	ok, err := o.artifacts.Exists(ctx, entry.OutputRef)
	if err != nil {
		return nil, fmt.Errorf("could not check cached artifact: %w", err)
	}
	if !ok {
		o.logger.Warningf("Cached artifact %s is missing, ignoring cache entry", entry.OutputRef)
		return nil, nil
	}

	return entry, nil
}

func (o *Orchestrator) maxRetriesFor(req model.TaskRequest) int {
	if req.MaxRetries > 0 {
		return req.MaxRetries
	}
	return o.maxRetries
}

func taskParams(req model.TaskRequest) map[string]string {
	params := maps.Clone(req.InputParams)
	if req.DeviceModel != "" {
		if params == nil {
			params = map[string]string{}
		}
		params[ParamDeviceModel] = req.DeviceModel
	}
	return params
}

// Poll returns the current state of a task. It never runs anything.
func (o *Orchestrator) Poll(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return t, nil
}

// Process runs a due pending task. Running, terminal or not yet due tasks are
// returned untouched, so calling it again is safe. A producer failure is not
// an error of Process, it is recorded on the returned task.
func (o *Orchestrator) Process(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	now := o.now()
	if t.Status != model.TaskStatusPending || (t.NextAttemptAt != nil && t.NextAttemptAt.After(now)) {
		return t, nil
	}

	claimed, err := o.repo.ClaimTask(ctx, taskID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return o.Poll(ctx, taskID)
	}

	t.Status = model.TaskStatusRunning
	t.StartedAt = &now
	t.NextAttemptAt = nil

	return o.run(ctx, *t, now)
}

// run executes the attempt claimed at claimedAt. Every write is fenced by
// the claim so a worker declared dead by Resume can't overwrite its task.
func (o *Orchestrator) run(ctx context.Context, t model.Task, claimedAt time.Time) (*model.Task, error) {
	logger := o.logger.WithValues(log.Kv{"task": t.ID, "attempt": t.RetryCount + 1})

	prod, ok := o.producers[t.Type]
	if !ok {
		return o.fail(ctx, t, claimedAt, fmt.Errorf("no producer for %s tasks: %w", t.Type, model.ErrProducer), true)
	}

	logger.Infof("Running %s task", t.Type)
	job := producer.Job{
		TaskID:   t.ID,
		Type:     t.Type,
		InputRef: t.InputRef,
		Params:   maps.Clone(t.InputParams),
		Attempt:  t.RetryCount + 1,
	}
	rep := &reporter{o: o, taskID: t.ID, base: o.streamer.Fraction(t.ID), logger: logger}
	out, err := prod.Produce(ctx, job, rep)

	// A stopped worker gives the attempt back.
	if ctx.Err() != nil {
		t.Status = model.TaskStatusPending
		t.StartedAt = nil
		if _, uerr := o.update(context.WithoutCancel(ctx), t, claimedAt, logger); uerr != nil {
			logger.Errorf("Could not release cancelled task: %s", uerr)
		}
		return nil, ctx.Err()
	}

	if err == nil {
		var ref string
		ref, err = o.artifacts.Put(ctx, out.Data)
		if err != nil {
			err = fmt.Errorf("could not store artifact: %w", err)
		} else {
			return o.succeed(ctx, t, claimedAt, ref, out.Metadata, logger)
		}
	}

	if !errors.Is(err, model.ErrProducer) {
		err = fmt.Errorf("%w: %w", model.ErrProducer, err)
	}
	return o.fail(ctx, t, claimedAt, err, false)
}

// update stores an attempt outcome. It returns false when the claim was lost.
func (o *Orchestrator) update(ctx context.Context, t model.Task, claimedAt time.Time, logger log.Logger) (bool, error) {
	ok, err := o.repo.UpdateClaimedTask(ctx, t, claimedAt)
	if err != nil {
		return false, fmt.Errorf("could not update task: %w", err)
	}
	if !ok {
		logger.Warningf("Task is no longer owned by the attempt started at %s, dropping its %s result", claimedAt.Format(time.RFC3339), t.Status)
	}
	return ok, nil
}

func (o *Orchestrator) succeed(ctx context.Context, t model.Task, claimedAt time.Time, ref string, meta map[string]string, logger log.Logger) (*model.Task, error) {
	now := o.now()

	// The cache entry goes first so a new request never finds the key neither
	// cached nor in flight. The artifact is valid for the key even when the
	// claim turns out lost.
	entry := model.CacheEntry{Key: t.CacheKey, TaskID: t.ID, OutputRef: ref, CreatedAt: now}
	if o.cacheTTL > 0 {
		exp := now.Add(o.cacheTTL)
		entry.ExpiresAt = &exp
	}
	if t.CacheKey != "" {
		if err := o.repo.PutCacheEntry(ctx, entry); err != nil {
			logger.Warningf("Could not store cache entry: %s", err)
		}
	}

	t.Status = model.TaskStatusSucceeded
	t.OutputRef = ref
	t.OutputMetadata = meta
	t.ErrorMessage = ""
	t.CompletedAt = &now
	ok, err := o.update(ctx, t, claimedAt, logger)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.Poll(ctx, t.ID)
	}

	o.publish(ctx, t.ID, model.NewCompleteEvent(ref), logger)
	logger.Infof("Task succeeded with %s", ref)

	return &t, nil
}

// fail records a failed attempt, the task goes back to pending after a
// backoff or ends failed once it used every retry.
func (o *Orchestrator) fail(ctx context.Context, t model.Task, claimedAt time.Time, cause error, permanent bool) (*model.Task, error) {
	logger := o.logger.WithValues(log.Kv{"task": t.ID})
	now := o.now()

	t.RetryCount++
	t.ErrorMessage = cause.Error()

	if !permanent && t.RetryCount < t.MaxRetries {
		next := now.Add(o.backoff.Delay(t.RetryCount))
		t.Status = model.TaskStatusPending
		t.NextAttemptAt = &next
		ok, err := o.update(ctx, t, claimedAt, logger)
		if err != nil {
			return nil, err
		}
		if !ok {
			return o.Poll(ctx, t.ID)
		}
		logger.Warningf("Attempt %d/%d failed, retrying at %s: %s", t.RetryCount, t.MaxRetries, next.Format(time.RFC3339), cause)
		return &t, nil
	}

	t.Status = model.TaskStatusFailed
	t.CompletedAt = &now
	t.NextAttemptAt = nil
	ok, err := o.update(ctx, t, claimedAt, logger)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.Poll(ctx, t.ID)
	}

	o.publish(ctx, t.ID, model.NewErrorEvent(t.ErrorMessage), logger)
	logger.Errorf("Task failed after %d attempts: %s", t.RetryCount, cause)

	return &t, nil
}

// Resume recovers the persisted state after a restart: running tasks whose
// worker stopped more than StaleAfter ago count as a failed attempt, then the
// due pending tasks are returned oldest first.
func (o *Orchestrator) Resume(ctx context.Context) ([]model.Task, error) {
	now := o.now()

	running := model.TaskStatusRunning
	stale, err := o.repo.ListTasks(ctx, storage.ListTasksOpts{Status: &running})
	if err != nil {
		return nil, fmt.Errorf("could not list running tasks: %w", err)
	}
	for _, t := range stale {
		if t.StartedAt == nil || now.Sub(*t.StartedAt) < o.staleAfter {
			continue
		}
		o.logger.Warningf("Task %s abandoned while running, recovering", t.ID)
		// Taking the attempt over fences out its worker if it is still alive.
		if _, err := o.fail(ctx, t, *t.StartedAt, fmt.Errorf("worker stopped while running: %w", model.ErrProducer), false); err != nil {
			return nil, err
		}
	}

	pending := model.TaskStatusPending
	due, err := o.repo.ListTasks(ctx, storage.ListTasksOpts{Status: &pending, DueAt: &now})
	if err != nil {
		return nil, fmt.Errorf("could not list pending tasks: %w", err)
	}

	return due, nil
}

// WaitTerminal polls a task until it succeeds or fails. It has no deadline
// other than the context.
func (o *Orchestrator) WaitTerminal(ctx context.Context, taskID string, interval time.Duration) (*model.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := o.Poll(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run processes a task in the calling goroutine until it is terminal, sleeping
// the backoff between attempts. Tasks run by someone else are waited.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (*model.Task, error) {
	for {
		t, err := o.Process(ctx, taskID)
		if err != nil {
			return nil, err
		}

		var wait time.Duration
		switch {
		case t.Status.IsTerminal():
			return t, nil
		case t.Status == model.TaskStatusRunning:
			wait = time.Second
		case t.NextAttemptAt != nil:
			wait = t.NextAttemptAt.Sub(o.now())
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return t, ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, taskID string, ev model.ProgressEvent, logger log.Logger) {
	if err := o.streamer.Publish(ctx, taskID, ev); err != nil {
		logger.Warningf("Could not publish %s event: %s", ev.Kind, err)
	}
}

// reporter forwards the producer progress to the streamer. A retried attempt
// reports from 0 again, so its fractions are scaled into what is left above
// base, the highest fraction the task reached before the attempt.
type reporter struct {
	o      *Orchestrator
	taskID string
	base   float64
	logger log.Logger
}

func (r *reporter) Timeline(ctx context.Context, step int, label, status string) {
	r.o.publish(ctx, r.taskID, model.NewTimelineEvent(step, label, status), r.logger)
}

func (r *reporter) Progress(ctx context.Context, fraction float64) {
	// Out of range values are left for the streamer to reject.
	if fraction >= 0 && fraction <= 1 {
		fraction = min(r.base+(1-r.base)*fraction, 1)
	}
	err := r.o.streamer.Publish(ctx, r.taskID, model.NewProgressEvent(fraction))
	if errors.Is(err, model.ErrNotValid) {
		r.logger.Debugf("Dropping progress %v: %s", fraction, err)
		return
	}
	if err != nil {
		r.logger.Warningf("Could not publish progress: %s", err)
	}
}
