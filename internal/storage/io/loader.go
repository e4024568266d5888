package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/printlink/internal/model"
)

// ConfigYAMLRepository loads the printlink configuration from YAML files.
type ConfigYAMLRepository struct {
	fs fs.FS
}

// NewConfigYAMLRepository creates a new YAML config repository.
func NewConfigYAMLRepository(filesystem fs.FS) *ConfigYAMLRepository {
	return &ConfigYAMLRepository{fs: filesystem}
}

// GetConfig loads a configuration from a YAML file and returns a validated domain model.
func (r *ConfigYAMLRepository) GetConfig(ctx context.Context, path string) (model.Config, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.Config{}, ctx.Err()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parsing YAML: %w", err)
	}

	m, err := cfg.toModel()
	if err != nil {
		return model.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := m.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return m, nil
}

// Config represents the YAML structure of the configuration.
type Config struct {
	DeviceID     string                    `yaml:"device_id"`
	Broker       BrokerConfig              `yaml:"broker"`
	ArtifactsDir string                    `yaml:"artifacts_dir"`
	Transfer     TransferConfig            `yaml:"transfer"`
	Tasks        TasksConfig               `yaml:"tasks"`
	Producers    map[string]ProducerConfig `yaml:"producers"`
}

// BrokerConfig represents the YAML structure of the broker configuration.
type BrokerConfig struct {
	URL string `yaml:"url"`
}

// TransferConfig represents the YAML structure of the transfer configuration.
type TransferConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ResultTimeout string `yaml:"result_timeout"`
}

// TasksConfig represents the YAML structure of the task orchestration configuration.
type TasksConfig struct {
	MaxRetries   int    `yaml:"max_retries"`
	CacheTTL     string `yaml:"cache_ttl"`
	PollInterval string `yaml:"poll_interval"`
	StaleAfter   string `yaml:"stale_after"`
}

// ProducerConfig represents the YAML structure of an external producer command.
type ProducerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c Config) toModel() (model.Config, error) {
	durations := map[string]string{
		"transfer.result_timeout": c.Transfer.ResultTimeout,
		"tasks.cache_ttl":         c.Tasks.CacheTTL,
		"tasks.poll_interval":     c.Tasks.PollInterval,
		"tasks.stale_after":       c.Tasks.StaleAfter,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for field, v := range durations {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return model.Config{}, fmt.Errorf("%s: %w", field, err)
		}
		parsed[field] = d
	}

	cfg := model.Config{
		DeviceID:      c.DeviceID,
		BrokerURL:     c.Broker.URL,
		ArtifactsDir:  c.ArtifactsDir,
		ChunkSize:     c.Transfer.ChunkSize,
		ResultTimeout: parsed["transfer.result_timeout"],
		Tasks: model.TasksConfig{
			MaxRetries:   c.Tasks.MaxRetries,
			CacheTTL:     parsed["tasks.cache_ttl"],
			PollInterval: parsed["tasks.poll_interval"],
			StaleAfter:   parsed["tasks.stale_after"],
		},
	}

	if len(c.Producers) > 0 {
		cfg.Producers = make(map[model.TaskType]model.ProducerConfig, len(c.Producers))
		for t, p := range c.Producers {
			cfg.Producers[model.TaskType(t)] = model.ProducerConfig{Command: p.Command, Args: p.Args}
		}
	}

	return cfg, nil
}
