package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const contentType = "application/xml"

// AMQPConnection implements Connection on top of amqp091-go.
type AMQPConnection struct {
	conn *amqp.Connection
	l    *slog.Logger
}

// Dial opens an AMQP connection. tlsConf is only used for amqps URIs and
// may be nil.
func Dial(uri, name string, tlsConf *tls.Config, l *slog.Logger) (*AMQPConnection, error) {
	if l == nil {
		l = slog.Default()
	}

	conn, err := amqp.DialConfig(uri, amqp.Config{
		TLSClientConfig: tlsConf,
		Heartbeat:       10 * time.Second,
		Properties:      amqp.Table{"connection_name": name},
	})
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}

	c := &AMQPConnection{
		conn: conn,
		l:    l.With("component", "amqp-conn"),
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notify; ok && err != nil {
			c.l.Error("connection closed by broker", "code", err.Code, "reason", err.Reason)
		}
	}()

	return c, nil
}

func (c *AMQPConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrConnClosed, err)
		}
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	return newAMQPChannel(ch), nil
}

func (c *AMQPConnection) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("amqp: close: %w", err)
	}
	return nil
}

type amqpChannel struct {
	ch *amqp.Channel

	closed    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newAMQPChannel(ch *amqp.Channel) *amqpChannel {
	c := &amqpChannel{
		ch:     ch,
		closed: make(chan error, 1),
		done:   make(chan struct{}),
	}

	go forwardClose(ch.NotifyClose(make(chan *amqp.Error, 1)), c.closed)

	return c
}

// forwardClose passes a broker shutdown reason from in to out and closes out.
// A client side close only closes out, never sending a typed nil.
func forwardClose(in <-chan *amqp.Error, out chan<- error) {
	defer close(out)
	if err, ok := <-in; ok && err != nil {
		out <- err
	}
}

func (c *amqpChannel) DeclareQueue(spec QueueSpec) (string, error) {
	q, err := c.ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, spec.Exclusive, false, nil)
	if err != nil {
		return "", mapErr("queue declare", err)
	}
	return q.Name, nil
}

func (c *amqpChannel) BindQueue(queue, key, exchange string) error {
	return mapErr("queue bind", c.ch.QueueBind(queue, key, exchange, false, nil))
}

func (c *amqpChannel) DeleteQueue(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return mapErr("queue delete", err)
}

func (c *amqpChannel) Qos(prefetch int) error {
	return mapErr("qos", c.ch.Qos(prefetch, 0, false))
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, body []byte) error {
	return mapErr("publish", c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	}))
}

func (c *amqpChannel) Consume(queue, tag string, autoAck bool) (<-chan Delivery, error) {
	in, err := c.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, mapErr("consume", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range in {
			select {
			case out <- Delivery{
				Tag:        d.DeliveryTag,
				Exchange:   d.Exchange,
				RoutingKey: d.RoutingKey,
				Body:       d.Body,
			}:
			case <-c.done:
				return
			}
		}
	}()

	return out, nil
}

func (c *amqpChannel) Cancel(tag string) error {
	return mapErr("cancel", c.ch.Cancel(tag, false))
}

func (c *amqpChannel) Ack(tag uint64) error {
	return mapErr("ack", c.ch.Ack(tag, false))
}

func (c *amqpChannel) NotifyClose() <-chan error {
	return c.closed
}

func (c *amqpChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return mapErr("close", c.ch.Close())
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("amqp: %s: %w", op, ErrChannelClosed)
	}
	return fmt.Errorf("amqp: %s: %w", op, err)
}
