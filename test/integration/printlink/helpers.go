package printlink

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/slok/printlink/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "printlink"
	}

	// go test runs on the package directory, relative paths would be wrong.
	if !filepath.IsAbs(c.Binary) {
		return fmt.Errorf("PRINTLINK_INTEGRATION_BINARY must be an absolute path, got %q", c.Binary)
	}
	if _, err := os.Stat(c.Binary); err != nil {
		return fmt.Errorf("printlink binary not found at %q: %w", c.Binary, err)
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "PRINTLINK_INTEGRATION"
		envBinary     = "PRINTLINK_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{Binary: os.Getenv(envBinary)}
	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// New returns a printlink runner on an isolated data directory.
func New(config Config, dataDir string) testutils.Printlink {
	return testutils.Printlink{Binary: config.Binary, DataDir: dataDir}
}
