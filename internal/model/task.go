package model

import (
	"fmt"
	"time"
)

// TaskType is the kind of background job a task runs.
type TaskType string

const (
	TaskTypeSlicing  TaskType = "slicing"
	TaskTypeAnalysis TaskType = "analysis"
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal returns true when no further transitions can happen.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// Task is a long-running slicing or analysis job.
type Task struct {
	ID             string
	Type           TaskType
	Status         TaskStatus
	InputRef       string
	InputParams    map[string]string
	OutputRef      string
	OutputMetadata map[string]string
	ErrorMessage   string
	RetryCount     int
	MaxRetries     int
	CacheKey       string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	// NextAttemptAt is set when a failed attempt is waiting for its backoff.
	NextAttemptAt *time.Time
}

// TaskRequest is the data needed to create a task.
type TaskRequest struct {
	Type        TaskType
	InputRef    string
	// InputDigest is the content digest of InputRef. When set it identifies
	// the input in the cache instead of InputRef, optional.
	InputDigest string
	InputParams map[string]string
	// DeviceModel is the target printer model, part of the cache identity.
	DeviceModel string
	MaxRetries  int
}

// Validate validates the task request.
func (r TaskRequest) Validate() error {
	switch r.Type {
	case TaskTypeSlicing, TaskTypeAnalysis:
	default:
		return fmt.Errorf("unknown task type %q: %w", r.Type, ErrNotValid)
	}

	if r.InputRef == "" {
		return fmt.Errorf("input ref is required: %w", ErrNotValid)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max retries must be positive or zero, got: %d: %w", r.MaxRetries, ErrNotValid)
	}

	return nil
}

// CacheEntry points a cache key to an artifact produced by a succeeded task.
type CacheEntry struct {
	Key       string
	TaskID    string
	OutputRef string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Valid returns true if the entry has not expired at the given time.
func (c CacheEntry) Valid(now time.Time) bool {
	if c.OutputRef == "" {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}
