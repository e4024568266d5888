// Package artifact stores job outputs content addressed by their BLAKE3
// hash and compressed with zstd at rest.
package artifact

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
)

const (
	refPrefix       = "blake3:"
	fileExt         = ".zst"
	cacheKeyContext = "printlink 2026-01 task cache key"
)

// Ref returns the reference of some content.
func Ref(data []byte) string {
	sum := blake3.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// DigestFile returns the reference of a file content without loading it in
// memory. A missing file is not valid.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file %s does not exist: %w", path, model.ErrNotValid)
		}
		return "", fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("could not read %s: %w", path, err)
	}
	return refPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// IsRef returns true if s looks like an artifact reference.
func IsRef(s string) bool {
	digest, ok := strings.CutPrefix(s, refPrefix)
	if !ok || len(digest) != 64 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// CacheKey derives a stable key from the identity parts of a job. Parts are
// length prefixed so ("ab", "c") and ("a", "bc") don't collide.
func CacheKey(parts ...string) string {
	h := blake3.NewDeriveKey(cacheKeyContext)
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StoreConfig is the configuration for the artifact store.
type StoreConfig struct {
	Dir    string
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "artifact.Store"})
	return nil
}

// Store is a filesystem content addressed artifact store.
type Store struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  log.Logger
}

// NewStore returns a new store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create artifacts directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("could not create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd decoder: %w", err)
	}

	return &Store{
		dir:     cfg.Dir,
		encoder: enc,
		decoder: dec,
		logger:  cfg.Logger,
	}, nil
}

// Put stores the data and returns its reference. Storing the same content
// twice is a no-op.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty artifact: %w", model.ErrNotValid)
	}

	ref := Ref(data)
	path, err := s.path(ref)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		s.logger.Debugf("Artifact %s already stored", ref)
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("could not create artifact directory: %w", err)
	}

	// Write and rename so readers never see partial files.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("could not create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(s.encoder.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("could not write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("could not close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("could not store artifact: %w", err)
	}

	s.logger.Debugf("Stored artifact %s (%d bytes)", ref, len(data))
	return ref, nil
}

// Get returns the content of a reference and verifies its hash.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s: %w", ref, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read artifact: %w", err)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("could not decompress artifact %s: %w", ref, err)
	}

	if Ref(data) != ref {
		return nil, fmt.Errorf("artifact %s content does not match its hash: %w", ref, model.ErrNotValid)
	}

	return data, nil
}

// Exists returns true if the reference is stored.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	path, err := s.path(ref)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("could not stat artifact: %w", err)
	}
}

func (s *Store) path(ref string) (string, error) {
	if !IsRef(ref) {
		return "", fmt.Errorf("invalid artifact ref %q: %w", ref, model.ErrNotValid)
	}
	digest := strings.TrimPrefix(ref, refPrefix)

	return filepath.Join(s.dir, digest[:2], digest+fileExt), nil
}
