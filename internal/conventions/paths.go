package conventions

import "path/filepath"

const (
	// DefaultDataDir is the default printlink data directory name (relative to home).
	DefaultDataDir = ".printlink"
	// DBFile is the SQLite database filename.
	DBFile = "printlink.db"
	// ConfigFile is the YAML configuration filename.
	ConfigFile = "config.yaml"
	// ArtifactsDir is the subdirectory for the content addressed artifacts.
	ArtifactsDir = "artifacts"
	// WorkDir is the subdirectory where producer commands run.
	WorkDir = "work"

	// DefaultDeviceID is the device used when none is configured.
	DefaultDeviceID = "printer-1"
)

// DBPath returns the database path inside a data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// ConfigPath returns the configuration file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ConfigFile)
}

// ArtifactsPath returns the artifact store directory inside a data directory.
func ArtifactsPath(dataDir string) string {
	return filepath.Join(dataDir, ArtifactsDir)
}

// WorkPath returns the producer work directory inside a data directory.
func WorkPath(dataDir string) string {
	return filepath.Join(dataDir, WorkDir)
}
