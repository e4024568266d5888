package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Printlink runs a printlink binary against its own data directory, so tests
// never touch the user state or each other.
type Printlink struct {
	Binary  string
	DataDir string
	// Env is appended to the host environment and wins over it.
	Env []string
}

// Run executes a printlink command, the arguments are split by spaces. Logs
// are disabled so stdout only has the command result.
func (p Printlink) Run(ctx context.Context, cmdArgs string) (stdout, stderr []byte, err error) {
	return p.RunArgs(ctx, strings.Fields(cmdArgs)...)
}

// RunArgs executes a printlink command with pre-split arguments.
func (p Printlink) RunArgs(ctx context.Context, args ...string) (stdout, stderr []byte, err error) {
	var outData, errData bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	cmd.Stdout = &outData
	cmd.Stderr = &errData
	cmd.Env = p.environ()

	err = cmd.Run()
	if err != nil {
		err = fmt.Errorf("printlink %s: %w: %s", strings.Join(args, " "), err, bytes.TrimSpace(errData.Bytes()))
	}

	return outData.Bytes(), errData.Bytes(), err
}

// RunJSON executes a printlink command with JSON output and decodes it into out.
func (p Printlink) RunJSON(ctx context.Context, cmdArgs string, out any) error {
	stdout, _, err := p.RunArgs(ctx, append(strings.Fields(cmdArgs), "--format", "json")...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(stdout, out); err != nil {
		return fmt.Errorf("could not decode %q output %q: %w", cmdArgs, stdout, err)
	}
	return nil
}

// WriteModel writes a model file in the data directory and returns its path.
func (p Printlink) WriteModel(name, content string) (string, error) {
	path := filepath.Join(p.DataDir, "models", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (p Printlink) environ() []string {
	env := append([]string{}, os.Environ()...)
	// A broker from the host would send the test uploads to a real device.
	env = append(env,
		"PRINTLINK_DATA_DIR="+p.DataDir,
		"PRINTLINK_BROKER=",
		"PRINTLINK_NO_LOG=true",
	)
	return append(env, p.Env...)
}
