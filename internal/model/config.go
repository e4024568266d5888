package model

import (
	"fmt"
	"time"
)

// Config is the printlink configuration.
type Config struct {
	// DeviceID is the default device for send operations.
	DeviceID string
	// BrokerURL is the websocket bridge of the device broker, empty uses an
	// in-process broker with a simulated device.
	BrokerURL     string
	ArtifactsDir  string
	ChunkSize     int
	ResultTimeout time.Duration
	Tasks         TasksConfig
	Producers     map[TaskType]ProducerConfig
}

// TasksConfig are the task orchestration settings.
type TasksConfig struct {
	MaxRetries   int
	CacheTTL     time.Duration
	PollInterval time.Duration
	// StaleAfter is how long a running task can go without finishing before
	// it is considered abandoned by a crashed worker.
	StaleAfter time.Duration
}

// ProducerConfig is an external slicer or analyzer command.
type ProducerConfig struct {
	Command string
	Args    []string
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got: %d: %w", c.ChunkSize, ErrNotValid)
	}
	if c.ResultTimeout < 0 {
		return fmt.Errorf("result timeout must be positive, got: %s: %w", c.ResultTimeout, ErrNotValid)
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("max retries must be positive, got: %d: %w", c.Tasks.MaxRetries, ErrNotValid)
	}
	for t, p := range c.Producers {
		if t != TaskTypeSlicing && t != TaskTypeAnalysis {
			return fmt.Errorf("unknown producer task type %q: %w", t, ErrNotValid)
		}
		if p.Command == "" {
			return fmt.Errorf("producer %s command is required: %w", t, ErrNotValid)
		}
	}
	return nil
}
