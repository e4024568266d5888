// Package websocket implements channel.Channel over a websocket bridge to the
// device broker.
//
// Every frame is a JSON object with an "op" field. The client sends
// "subscribe", "unsubscribe" and "publish" frames, each with an "id" that the
// bridge answers with an "ack" frame (with an "error" field when rejected).
// The bridge pushes "message" frames for subscribed topics.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
)

// Frame operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
	OpAck         = "ack"
)

// Frame is the unit exchanged with the bridge.
type Frame struct {
	Op      string `json:"op"`
	ID      string `json:"id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ClientConfig is the configuration for the websocket client.
type ClientConfig struct {
	URL          string
	AckTimeout   time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
	Logger       log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "channel.Websocket"})
	return nil
}

type handlerEntry struct {
	id      int
	handler channel.Handler
}

// Client is a websocket implementation of channel.Channel.
type Client struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	mu         sync.Mutex
	handlers   map[string][]handlerEntry
	nextID     int
	acks       map[string]chan string
	inbox      chan Frame
	connected  atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
	ackTimeout time.Duration
	logger     log.Logger
}

// Dial connects to the bridge and starts the read and dispatch loops.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, resp, err := cfg.Dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("websocket upgrade failed (%d): %w", resp.StatusCode, model.ErrConnection)
		}
		return nil, fmt.Errorf("could not dial %s: %w: %w", cfg.URL, model.ErrConnection, err)
	}

	c := &Client{
		conn:       conn,
		handlers:   make(map[string][]handlerEntry),
		acks:       make(map[string]chan string),
		inbox:      make(chan Frame, 256),
		done:       make(chan struct{}),
		ackTimeout: cfg.AckTimeout,
		logger:     cfg.Logger,
	}
	c.connected.Store(true)

	go c.readLoop()
	go c.dispatchLoop()
	go c.pingLoop(cfg.PingInterval)

	cfg.Logger.Debugf("Connected to %s", cfg.URL)

	return c, nil
}

// Publish sends a payload and waits for the bridge acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.request(ctx, Frame{Op: OpPublish, Topic: topic, Payload: payload})
}

// Subscribe registers a handler, the bridge subscription is shared by all
// handlers of the same topic.
func (c *Client) Subscribe(ctx context.Context, topic string, h channel.Handler) (func(), error) {
	c.mu.Lock()
	first := len(c.handlers[topic]) == 0
	c.nextID++
	id := c.nextID
	c.handlers[topic] = append(c.handlers[topic], handlerEntry{id: id, handler: h})
	c.mu.Unlock()

	if first {
		if err := c.request(ctx, Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			c.removeHandler(topic, id)
			return nil, fmt.Errorf("could not subscribe to %s: %w", topic, err)
		}
	}

	return func() {
		if last := c.removeHandler(topic, id); last {
			ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
			defer cancel()
			if err := c.request(ctx, Frame{Op: OpUnsubscribe, Topic: topic}); err != nil {
				c.logger.Warningf("Could not unsubscribe from %s: %s", topic, err)
			}
		}
	}, nil
}

// Connected returns false once the connection has been lost or closed.
func (c *Client) Connected() bool { return c.connected.Load() }

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) removeHandler(topic string, id int) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hs := c.handlers[topic]
	for i, e := range hs {
		if e.id == id {
			c.handlers[topic] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(c.handlers[topic]) == 0 {
		delete(c.handlers, topic)
		return true
	}
	return false
}

func (c *Client) request(ctx context.Context, f Frame) error {
	if !c.Connected() {
		return fmt.Errorf("websocket is closed: %w", model.ErrConnection)
	}

	f.ID = uuid.NewString()
	ack := make(chan string, 1)
	c.mu.Lock()
	c.acks[f.ID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, f.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.ackTimeout))
	err := c.conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("could not write %s frame: %w: %w", f.Op, model.ErrConnection, err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case errMsg := <-ack:
		if errMsg != "" {
			return fmt.Errorf("bridge rejected %s: %s", f.Op, errMsg)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no ack for %s frame: %w", f.Op, model.ErrConnection)
	case <-c.done:
		return fmt.Errorf("websocket closed waiting for ack: %w", model.ErrConnection)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.connected.Store(false)
		close(c.done)
		close(c.inbox)
	}()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.Connected() {
				c.logger.Errorf("Websocket read error: %s", err)
			}
			return
		}

		switch f.Op {
		case OpAck:
			c.mu.Lock()
			ack, ok := c.acks[f.ID]
			c.mu.Unlock()
			if !ok {
				continue
			}
			// Only the first ack of a frame counts.
			select {
			case ack <- f.Error:
			default:
				c.logger.Debugf("Ignoring duplicated ack of frame %s", f.ID)
			}
		case OpMessage:
			c.inbox <- f
		default:
			c.logger.Warningf("Ignoring unknown frame op %q", f.Op)
		}
	}
}

// dispatchLoop calls handlers in arrival order, decoupled from the read loop
// so a handler that publishes can still receive its ack.
func (c *Client) dispatchLoop() {
	for f := range c.inbox {
		c.mu.Lock()
		hs := make([]handlerEntry, len(c.handlers[f.Topic]))
		copy(hs, c.handlers[f.Topic])
		c.mu.Unlock()

		for _, h := range hs {
			h.handler(context.Background(), f.Topic, f.Payload)
		}
	}
}

func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debugf("Ping failed: %s", err)
				return
			}
		}
	}
}

var _ channel.Channel = (*Client)(nil)
