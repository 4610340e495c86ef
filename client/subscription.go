package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lemonbeat/service-client-go/lsbl"
	"github.com/lemonbeat/service-client-go/transport"
)

// State is the lifecycle state of a Subscription.
type State int32

const (
	StateInit State = iota
	StateBound
	StateDelivering
	StateReconnecting
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBound:
		return "bound"
	case StateDelivering:
		return "delivering"
	case StateReconnecting:
		return "reconnecting"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives the events of a subscription one at a time. event is nil
// if the delivery could not be parsed. The delivery is acknowledged after
// Handler returns, whatever the outcome.
type Handler func(event *lsbl.Envelope) error

type Subscription struct {
	c *Client

	topic    string
	queue    string
	tag      string
	durable  bool
	prefetch int
	handler  Handler

	state atomic.Int32

	mu sync.Mutex
	ch transport.Channel

	done     chan struct{}
	finished chan struct{}

	l *slog.Logger
}

// Subscribe binds a queue to the event exchange with topic as binding key
// and starts delivering its events to handler. Temporary subscriptions use a
// queue that is deleted with the consumer; durable ones keep a queue named
// after the topic so a later subscription resumes it.
//
// A subscription survives broker side channel shutdowns: it declares, binds
// and consumes again on a new channel with the same queue and consumer tag.
func (c *Client) Subscribe(topic string, handler Handler, opts ...SubscriptionOption) (*Subscription, error) {
	switch {
	case topic == "":
		return nil, ErrEmptyTopic
	case handler == nil:
		return nil, ErrNilHandler
	case c.closed.Load():
		return nil, ErrClientClosed
	}

	s := &Subscription{
		c:        c,
		topic:    topic,
		tag:      newConsumerTag(),
		prefetch: c.cfg.EventPrefetch,
		handler:  handler,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.queue = eventQueueName(c.cfg.Queues.EventPrefix, c.cfg.ClientName, c.cfg.Exchanges.Event, topic, s.durable, time.Now())
	s.l = c.l.With("topic", topic, "queue", s.queue)

	ch, deliveries, err := s.setup()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.transition(StateInit, StateBound)

	c.addSub(s)
	if c.closed.Load() {
		_ = s.Close()
		return nil, ErrClientClosed
	}

	go s.run(ch, deliveries)

	s.l.Debug("subscribed", "durable", s.durable, "tag", s.tag)
	return s, nil
}

func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) Queue() string { return s.queue }

// Tag returns the consumer tag. It does not change across reconnects.
func (s *Subscription) Tag() string { return s.tag }

func (s *Subscription) Durable() bool { return s.durable }

func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Done is closed once the subscription stopped delivering for good.
func (s *Subscription) Done() <-chan struct{} {
	return s.finished
}

// Close cancels the consumer and closes the channel. A durable queue and
// its bindings stay on the broker.
func (s *Subscription) Close() error {
	if State(s.state.Swap(int32(StateCancelled))) == StateCancelled {
		return ErrSubscriptionClosed
	}
	close(s.done)
	s.c.removeSub(s)

	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()

	s.c.release(ch, s.tag)
	return nil
}

func (s *Subscription) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// setup declares and binds the queue and starts consuming on a new channel.
// Declaring and binding an existing queue is a no-op on the broker.
func (s *Subscription) setup() (transport.Channel, <-chan transport.Delivery, error) {
	ch, err := s.c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	deliveries, err := s.bind(ch)
	if err != nil {
		s.c.release(ch, "")
		return nil, nil, err
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	return ch, deliveries, nil
}

func (s *Subscription) bind(ch transport.Channel) (<-chan transport.Delivery, error) {
	if _, err := ch.DeclareQueue(transport.QueueSpec{
		Name:       s.queue,
		Durable:    s.durable,
		AutoDelete: !s.durable,
		Exclusive:  !s.durable,
	}); err != nil {
		return nil, fmt.Errorf("declare: %w", err)
	}

	if err := ch.BindQueue(s.queue, s.topic, s.c.cfg.Exchanges.Event); err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}

	if err := ch.Qos(s.prefetch); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(s.queue, s.tag, false)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (s *Subscription) run(ch transport.Channel, deliveries <-chan transport.Delivery) {
	defer close(s.finished)

	for {
		s.transition(StateBound, StateDelivering)

		for d := range deliveries {
			s.dispatch(ch, d)
		}

		if s.State() == StateCancelled {
			return
		}

		reason, ok := <-ch.NotifyClose()
		if !ok || reason == nil {
			// closed on our side or together with the connection
			s.l.Info("subscription channel closed")
			s.stop()
			return
		}

		if !s.transition(StateDelivering, StateReconnecting) {
			return
		}
		s.l.Warn("subscription channel shut down by broker", "err", reason)

		var err error
		ch, deliveries, err = s.reconnect()
		if err != nil {
			s.l.Error("resubscribe failed", "err", err)
			s.stop()
			return
		}

		if !s.transition(StateReconnecting, StateBound) {
			// closed while reconnecting
			s.c.release(ch, s.tag)
			return
		}
		s.c.metrics.Reconnected(s.topic)
		s.l.Info("resubscribed")
	}
}

func (s *Subscription) stop() {
	if State(s.state.Swap(int32(StateCancelled))) != StateCancelled {
		close(s.done)
		s.c.removeSub(s)
	}
}

func (s *Subscription) reconnect() (transport.Channel, <-chan transport.Delivery, error) {
	type bound struct {
		ch         transport.Channel
		deliveries <-chan transport.Delivery
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	rc := s.c.cfg.Reconnect
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.Initial
	b.MaxInterval = rc.Max
	b.Multiplier = rc.Multiplier

	res, err := backoff.Retry(ctx, func() (bound, error) {
		ch, deliveries, err := s.setup()
		if errors.Is(err, transport.ErrConnClosed) {
			// no channel can be opened on a closed connection
			return bound{}, backoff.Permanent(err)
		}
		if err != nil {
			return bound{}, err
		}
		return bound{ch: ch, deliveries: deliveries}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(rc.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.l.Warn("resubscribe attempt failed", "err", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return res.ch, res.deliveries, nil
}

func (s *Subscription) dispatch(ch transport.Channel, d transport.Delivery) {
	event, err := lsbl.Parse(d.Body)
	if err != nil {
		s.l.Warn("parse event", "routing_key", d.RoutingKey, "err", err)
		event = nil
	}

	s.invoke(event)
	s.c.metrics.EventDelivered(s.topic)

	if err := ch.Ack(d.Tag); err != nil && !transport.IsClosed(err) {
		s.l.Error("ack event", "tag", d.Tag, "err", err)
	}
}

func (s *Subscription) invoke(event *lsbl.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.l.Error("event handler panicked", "panic", r)
		}
	}()

	if err := s.handler(event); err != nil {
		s.l.Warn("event handler failed", "seq", event.Seq(), "err", err)
	}
}
