// Package fake implements a simulated device that speaks the transfer
// protocol over a channel. It is used for tests and for the fake broker mode
// of the CLI.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/protocol"
)

// AckMode is how the device answers commits and commands.
type AckMode string

const (
	// AckOK answers with a successful result.
	AckOK AckMode = "ok"
	// AckFail answers with a failed result.
	AckFail AckMode = "fail"
	// AckSilent never answers.
	AckSilent AckMode = "silent"
)

// DeviceConfig is the configuration for the fake device.
type DeviceConfig struct {
	DeviceID string
	Channel  channel.Channel
	AckMode  AckMode
	// ProgressSteps are the percentages reported before the commit result.
	ProgressSteps []int
	Logger        log.Logger
}

func (c *DeviceConfig) defaults() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.AckMode == "" {
		c.AckMode = AckOK
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "device.Fake", "device": c.DeviceID})
	return nil
}

type upload struct {
	name      string
	target    model.Target
	totalSize int64
	nextIndex int
	buf       bytes.Buffer
	broken    string
}

// Device is a simulated device.
type Device struct {
	id       string
	ch       channel.Channel
	ackMode  AckMode
	progress []int
	unsub    func()

	mu       sync.Mutex
	uploads  map[string]*upload
	files    map[model.Target]map[string][]byte
	commands []protocol.Command
	received []protocol.Type
	logger   log.Logger
}

// NewDevice creates a device and subscribes it to its request topic.
func NewDevice(ctx context.Context, cfg DeviceConfig) (*Device, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Device{
		id:       cfg.DeviceID,
		ch:       cfg.Channel,
		ackMode:  cfg.AckMode,
		progress: cfg.ProgressSteps,
		uploads:  make(map[string]*upload),
		files:    make(map[model.Target]map[string][]byte),
		logger:   cfg.Logger,
	}

	unsub, err := cfg.Channel.Subscribe(ctx, protocol.RequestTopic(cfg.DeviceID), d.handle)
	if err != nil {
		return nil, fmt.Errorf("could not subscribe device: %w", err)
	}
	d.unsub = unsub

	return d, nil
}

// Close unsubscribes the device.
func (d *Device) Close() { d.unsub() }

// SetAckMode changes how the device answers.
func (d *Device) SetAckMode(m AckMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ackMode = m
}

// File returns a stored file.
func (d *Device) File(target model.Target, name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[target][name]
	return f, ok
}

// Received returns the message types received in order.
func (d *Device) Received() []protocol.Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Type(nil), d.received...)
}

// Commands returns the received commands.
func (d *Device) Commands() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.commands...)
}

func (d *Device) handle(ctx context.Context, _ string, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		d.logger.Warningf("Dropping invalid request: %s", err)
		return
	}

	d.mu.Lock()
	d.received = append(d.received, msg.MessageType())
	ackMode := d.ackMode
	d.mu.Unlock()

	switch m := msg.(type) {
	case protocol.ChunkFirst:
		d.begin(m)
	case protocol.Chunk:
		d.chunk(m)
	case protocol.ChunkCommit:
		d.commit(ctx, m, ackMode)
	case protocol.Command:
		d.mu.Lock()
		d.commands = append(d.commands, m)
		d.mu.Unlock()
		d.answer(ctx, ackMode, protocol.Result{CommandID: m.CommandID, OK: ackMode == AckOK})
	}
}

func (d *Device) begin(m protocol.ChunkFirst) {
	data, _ := protocol.DecodeData(m.DataB64)

	d.mu.Lock()
	defer d.mu.Unlock()
	u := &upload{name: m.Name, target: m.Target, totalSize: m.TotalSize, nextIndex: 1}
	u.buf.Write(data)
	d.uploads[m.UploadID] = u
}

func (d *Device) chunk(m protocol.Chunk) {
	data, _ := protocol.DecodeData(m.DataB64)

	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[m.UploadID]
	if !ok {
		return
	}
	if m.Index != u.nextIndex {
		u.broken = fmt.Sprintf("expected chunk %d, got %d", u.nextIndex, m.Index)
		return
	}
	u.nextIndex++
	u.buf.Write(data)
}

func (d *Device) commit(ctx context.Context, m protocol.ChunkCommit, ackMode AckMode) {
	d.mu.Lock()
	u, ok := d.uploads[m.UploadID]
	delete(d.uploads, m.UploadID)
	var errMsg string
	switch {
	case !ok:
		errMsg = "unknown upload"
	case u.broken != "":
		errMsg = u.broken
	case u.target != m.Target:
		errMsg = "commit target does not match first chunk target"
	case int64(u.buf.Len()) != u.totalSize:
		errMsg = fmt.Sprintf("received %d bytes, expected %d", u.buf.Len(), u.totalSize)
	default:
		if d.files[u.target] == nil {
			d.files[u.target] = make(map[string][]byte)
		}
		d.files[u.target][u.name] = append([]byte(nil), u.buf.Bytes()...)
	}
	progress := d.progress
	d.mu.Unlock()

	for _, p := range progress {
		d.send(ctx, protocol.Progress{UploadID: m.UploadID, Percent: p})
	}

	res := protocol.Result{UploadID: m.UploadID, OK: errMsg == "" && ackMode == AckOK, Message: errMsg}
	if res.OK {
		res.Filename = u.name
	}
	d.answer(ctx, ackMode, res)
}

func (d *Device) answer(ctx context.Context, ackMode AckMode, res protocol.Result) {
	if ackMode == AckSilent {
		return
	}
	if ackMode == AckFail && res.Message == "" {
		res.Message = "device rejected the request"
	}
	d.send(ctx, res)
}

func (d *Device) send(ctx context.Context, m protocol.Message) {
	payload, err := protocol.Encode(m)
	if err != nil {
		d.logger.Errorf("Could not encode %s: %s", m.MessageType(), err)
		return
	}
	if err := d.ch.Publish(ctx, protocol.ReportTopic(d.id), payload); err != nil {
		d.logger.Errorf("Could not publish %s: %s", m.MessageType(), err)
	}
}
