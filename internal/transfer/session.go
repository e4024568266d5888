// Package transfer streams a binary artifact to a device as an ordered
// sequence of bounded chunks followed by a commit.
package transfer

import (
	"context"
	"fmt"

	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/protocol"
)

// SessionConfig is the configuration for a transfer session.
type SessionConfig struct {
	Channel      channel.Channel
	Registry     *Registry
	MaxChunkSize int
	Logger       log.Logger
}

func (c *SessionConfig) defaults() error {
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = protocol.DefaultMaxChunkSize
	}
	if c.MaxChunkSize < 0 || c.MaxChunkSize > protocol.DefaultMaxChunkSize {
		return fmt.Errorf("max chunk size must be in (0, %d], got: %d", protocol.DefaultMaxChunkSize, c.MaxChunkSize)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "transfer.Session"})
	return nil
}

// Session is a single chunked upload. It is not safe for concurrent use, the
// caller sends chunks one after the other awaiting each publish.
type Session struct {
	ch       channel.Channel
	registry *Registry
	maxChunk int
	state    model.UploadSession
	begun    bool
	closed   bool
	logger   log.Logger
}

// NewSession creates a new, not yet begun, session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Session{
		ch:       cfg.Channel,
		registry: cfg.Registry,
		maxChunk: cfg.MaxChunkSize,
		logger:   cfg.Logger,
	}, nil
}

// Begin opens the session for a device destination and returns its upload ID.
// Nothing is published until the first chunk is sent.
func (s *Session) Begin(deviceID string, target model.Target, totalSize int64, name string) (string, error) {
	if s.begun {
		return "", fmt.Errorf("session already begun: %w", model.ErrProtocol)
	}
	if deviceID == "" || name == "" {
		return "", fmt.Errorf("device and name are required: %w", model.ErrNotValid)
	}
	if err := target.Validate(); err != nil {
		return "", err
	}
	if totalSize <= 0 {
		return "", fmt.Errorf("total size must be positive, got: %d: %w", totalSize, model.ErrNotValid)
	}
	if !s.ch.Connected() {
		return "", fmt.Errorf("channel not available: %w", model.ErrConnection)
	}

	uploadID, err := s.registry.acquire(deviceID, target)
	if err != nil {
		return "", err
	}

	s.begun = true
	s.state = model.UploadSession{
		UploadID:  uploadID,
		DeviceID:  deviceID,
		Target:    target,
		Name:      name,
		TotalSize: totalSize,
	}
	s.logger = s.logger.WithValues(log.Kv{"device": deviceID, "upload": uploadID})
	s.logger.Debugf("Upload of %s (%d bytes) to %s begun", name, totalSize, target)

	return uploadID, nil
}

// SendChunk publishes the chunk with the given index. Indices start at 0 and
// must increase by one on every call.
func (s *Session) SendChunk(ctx context.Context, index int, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if index != s.state.NextIndex {
		s.Abort()
		return fmt.Errorf("expected chunk %d, got %d: %w", s.state.NextIndex, index, model.ErrProtocol)
	}
	if len(data) == 0 || len(data) > s.maxChunk {
		s.Abort()
		return fmt.Errorf("chunk %d size %d not in (0, %d]: %w", index, len(data), s.maxChunk, model.ErrProtocol)
	}
	if s.state.SentBytes+int64(len(data)) > s.state.TotalSize {
		s.Abort()
		return fmt.Errorf("chunk %d exceeds total size %d: %w", index, s.state.TotalSize, model.ErrProtocol)
	}

	var msg protocol.Message
	if index == 0 {
		msg = protocol.ChunkFirst{
			UploadID:  s.state.UploadID,
			Index:     0,
			Name:      s.state.Name,
			TotalSize: s.state.TotalSize,
			DataB64:   protocol.EncodeData(data),
			Size:      len(data),
			Target:    s.state.Target,
		}
	} else {
		msg = protocol.Chunk{
			UploadID: s.state.UploadID,
			Index:    index,
			DataB64:  protocol.EncodeData(data),
			Size:     len(data),
		}
	}

	if err := s.publish(ctx, msg); err != nil {
		s.Abort()
		return fmt.Errorf("could not send chunk %d: %w", index, err)
	}

	s.state.NextIndex++
	s.state.SentBytes += int64(len(data))

	return nil
}

// Commit asks the device to assemble the upload. The target must be the one
// used to begin the session and every byte must have been sent, otherwise
// the session is abandoned and no commit is published.
func (s *Session) Commit(ctx context.Context, target model.Target) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if target != s.state.Target {
		s.Abort()
		return fmt.Errorf("commit target %q does not match begin target %q: %w", target, s.state.Target, model.ErrProtocol)
	}
	if s.state.SentBytes != s.state.TotalSize {
		s.Abort()
		return fmt.Errorf("commit after %d of %d bytes: %w", s.state.SentBytes, s.state.TotalSize, model.ErrProtocol)
	}

	err := s.publish(ctx, protocol.ChunkCommit{UploadID: s.state.UploadID, Target: s.state.Target})
	if err != nil {
		s.Abort()
		return fmt.Errorf("could not send commit: %w", err)
	}

	s.state.Committed = true
	s.logger.Debugf("Upload committed after %d chunks", s.state.NextIndex)

	return nil
}

// Abort abandons the session and frees its device destination.
func (s *Session) Abort() {
	if !s.begun || s.closed {
		return
	}
	if !s.state.Committed {
		s.logger.Warningf("Upload abandoned at chunk %d", s.state.NextIndex)
	}
	s.Close()
}

// Close frees the device destination, call it once the commit result is known.
func (s *Session) Close() {
	if !s.begun || s.closed {
		return
	}
	s.closed = true
	s.registry.release(s.state.DeviceID, s.state.Target, s.state.UploadID)
}

// State returns a copy of the session state.
func (s *Session) State() model.UploadSession { return s.state }

func (s *Session) checkOpen() error {
	if !s.begun {
		return fmt.Errorf("session not begun: %w", model.ErrProtocol)
	}
	if s.closed {
		return fmt.Errorf("session closed: %w", model.ErrProtocol)
	}
	if s.state.Committed {
		return fmt.Errorf("session already committed: %w", model.ErrProtocol)
	}
	return nil
}

func (s *Session) publish(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.ch.Publish(ctx, protocol.RequestTopic(s.state.DeviceID), payload)
}
