package transport

import (
	"context"
	"errors"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrChannelClosed = errors.New("channel closed")
)

// Connection is a long lived broker connection. Channels are cheap and are
// opened per logical operation.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// QueueSpec describes a queue declaration.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Tag        uint64
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Channel is a lightweight session on a Connection. A Channel is not safe for
// use by unrelated operations; each call or subscription owns its own.
type Channel interface {
	DeclareQueue(spec QueueSpec) (string, error)
	BindQueue(queue, key, exchange string) error
	DeleteQueue(name string) error
	Qos(prefetch int) error
	Publish(ctx context.Context, exchange, key string, body []byte) error
	// Consume starts delivering messages from queue. The returned channel is
	// closed when the consumer is cancelled or the Channel shuts down.
	Consume(queue, tag string, autoAck bool) (<-chan Delivery, error)
	Cancel(tag string) error
	Ack(tag uint64) error
	// NotifyClose returns a channel that receives the cause if the broker
	// shuts the Channel down and is closed afterwards. A Channel closed by
	// the client only closes the returned channel.
	NotifyClose() <-chan error
	Close() error
}

// IsClosed reports whether err signals an already closed connection or
// channel.
func IsClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrConnClosed)
}
