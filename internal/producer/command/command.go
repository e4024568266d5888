// Package command runs producers as external commands.
//
// The command receives the job through placeholders in its arguments
// ({input}, {output}, {task}) and PRINTLINK_PARAM_<NAME> environment
// variables. Inputs that are artifact refs are written to a file first and
// {input} points to it. The command writes the artifact to the {output} path
// and may report on stdout, one directive per line:
//
//	progress <fraction>
//	step <n> <label> <status>
//	meta <key> <value>
//
// Other stdout lines are ignored.
package command

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/producer"
)

const maxStderr = 4096

// ArtifactReader reads stored artifacts.
type ArtifactReader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ProducerConfig is the configuration for the command producer.
type ProducerConfig struct {
	Command string
	Args    []string
	// WorkDir is where the output files are created, by default the OS temp dir.
	WorkDir string
	// Artifacts resolves artifact ref inputs, optional.
	Artifacts ArtifactReader
	Logger    log.Logger
}

func (c *ProducerConfig) defaults() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "producer.Command", "cmd": c.Command})
	return nil
}

// Producer runs a command per job.
type Producer struct {
	cmd       string
	args      []string
	workDir   string
	artifacts ArtifactReader
	logger    log.Logger
}

// NewProducer returns a new command producer.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Producer{
		cmd:       cfg.Command,
		args:      cfg.Args,
		workDir:   cfg.WorkDir,
		artifacts: cfg.Artifacts,
		logger:    cfg.Logger,
	}, nil
}

// Produce runs the command and reads the artifact it wrote.
func (p *Producer) Produce(ctx context.Context, job producer.Job, r producer.Reporter) (*producer.Output, error) {
	dir, err := os.MkdirTemp(p.workDir, "printlink-job-*")
	if err != nil {
		return nil, fmt.Errorf("could not create job dir: %w", err)
	}
	defer os.RemoveAll(dir)
	outPath := filepath.Join(dir, "output")

	input, err := p.input(ctx, dir, job.InputRef)
	if err != nil {
		return nil, err
	}

	replacer := strings.NewReplacer("{input}", input, "{output}", outPath, "{task}", job.TaskID)
	args := make([]string, 0, len(p.args))
	for _, a := range p.args {
		args = append(args, replacer.Replace(a))
	}

	cmd := exec.CommandContext(ctx, p.cmd, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), jobEnv(job)...)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxStderr}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("could not get stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %s: %w: %w", p.cmd, model.ErrProducer, err)
	}

	meta := parseReports(ctx, stdout, r, p.logger)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		return nil, fmt.Errorf("%s failed: %s: %w: %w", p.cmd, msg, model.ErrProducer, err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%s did not write its output: %w: %w", p.cmd, model.ErrProducer, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s wrote an empty output: %w", p.cmd, model.ErrProducer)
	}

	return &producer.Output{Data: data, Metadata: meta}, nil
}

func (p *Producer) input(ctx context.Context, dir, ref string) (string, error) {
	if p.artifacts == nil || !artifact.IsRef(ref) {
		return ref, nil
	}

	data, err := p.artifacts.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("could not read input %s: %w: %w", ref, model.ErrProducer, err)
	}
	path := filepath.Join(dir, "input")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("could not write input: %w", err)
	}

	return path, nil
}

func jobEnv(job producer.Job) []string {
	env := []string{
		"PRINTLINK_TASK_ID=" + job.TaskID,
		"PRINTLINK_TASK_TYPE=" + string(job.Type),
		"PRINTLINK_ATTEMPT=" + strconv.Itoa(job.Attempt),
	}
	for k, v := range job.Params {
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(k))
		env = append(env, "PRINTLINK_PARAM_"+name+"="+v)
	}
	return env
}

func parseReports(ctx context.Context, rd io.Reader, r producer.Reporter, logger log.Logger) map[string]string {
	var meta map[string]string
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "progress":
			if len(fields) != 2 {
				continue
			}
			f, err := strconv.ParseFloat(fields[1], 64)
			if err != nil || math.IsNaN(f) || f < 0 || f > 1 {
				logger.Warningf("Ignoring invalid progress %q", fields[1])
				continue
			}
			r.Progress(ctx, f)
		case "step":
			if len(fields) != 4 {
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				logger.Warningf("Ignoring invalid step %q", fields[1])
				continue
			}
			r.Timeline(ctx, n, fields[2], fields[3])
		case "meta":
			if len(fields) < 3 {
				continue
			}
			if meta == nil {
				meta = map[string]string{}
			}
			meta[fields[1]] = strings.Join(fields[2:], " ")
		}
	}
	// Drain so the command never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, rd)

	return meta
}

// limitedWriter keeps the first n bytes and discards the rest.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n > 0 {
		b := p
		if len(b) > l.n {
			b = b[:l.n]
		}
		l.n -= len(b)
		if _, err := l.w.Write(b); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
