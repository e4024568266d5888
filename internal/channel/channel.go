// Package channel defines the publish/subscribe primitive used to talk with
// devices. The broker itself is external, implementations only bridge to it.
package channel

import "context"

// Handler receives the payload of a message published on a subscribed topic.
type Handler func(ctx context.Context, topic string, payload []byte)

// Channel is an at-least-once publish/subscribe connection.
type Channel interface {
	// Publish sends a payload to a topic, it returns once the broker accepted it.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler for a topic and returns the function to remove it.
	Subscribe(ctx context.Context, topic string, h Handler) (unsubscribe func(), err error)
	// Connected returns true if the channel can be used.
	Connected() bool
}
