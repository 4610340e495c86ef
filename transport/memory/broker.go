// Package memory provides an in-process broker with AMQP topic exchange
// semantics. It backs the client tests and the offline examples.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lemonbeat/service-client-go/transport"
)

var (
	ErrNoExchange      = errors.New("no such exchange")
	ErrNoQueue         = errors.New("no such queue")
	ErrQueueLocked     = errors.New("queue is exclusive to another connection")
	ErrQueueMismatch   = errors.New("queue redeclared with different properties")
	ErrDuplicateTag    = errors.New("consumer tag already in use")
	ErrUnknownDelivery = errors.New("unknown delivery tag")
)

type binding struct {
	exchange string
	key      string
}

type message struct {
	exchange string
	key      string
	body     []byte
}

type queue struct {
	spec  transport.QueueSpec
	owner *Conn
	msgs  []message
	binds map[binding]struct{}
	subs  map[*consumer]struct{}
}

type unacked struct {
	q *queue
	m message
}

// Broker is an in-memory message broker. All state is guarded by one mutex.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	exchanges map[string]struct{}
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	nextTag  uint64
	nextName int

	publishErr error
	channelErr error
}

// New creates a broker with the given topic exchanges declared.
func New(exchanges ...string) *Broker {
	b := &Broker{
		exchanges: make(map[string]struct{}),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	for _, ex := range exchanges {
		b.exchanges[ex] = struct{}{}
	}
	return b
}

// DeclareExchange declares a topic exchange.
func (b *Broker) DeclareExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = struct{}{}
}

// Dial opens a new connection to the broker.
func (b *Broker) Dial() *Conn {
	c := &Conn{
		b:        b,
		channels: make(map[*Channel]struct{}),
	}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	return c
}

// Publish routes body through exchange without a client channel.
func (b *Broker) Publish(exchange, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchange, key, body)
}

// FailPublish makes every channel publish fail with err until reset with nil.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// FailChannels makes every channel open fail with err until reset with nil.
func (b *Broker) FailChannels(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// QueueNames returns the names of all existing queues, sorted.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasQueue reports whether the named queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Bindings returns the binding keys of queue on exchange, sorted.
func (b *Broker) Bindings(queueName, exchange string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	var keys []string
	for bd := range q.binds {
		if bd.exchange == exchange {
			keys = append(keys, bd.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Depth returns the number of ready messages in the named queue.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.msgs)
	}
	return 0
}

// Unacked returns the number of deliveries awaiting acknowledgement on all
// open channels.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

// Consumers returns the number of consumers attached to the named queue.
func (b *Broker) Consumers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.subs)
	}
	return 0
}

func (b *Broker) route(exchange, key string, body []byte) error {
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrNoExchange, exchange)
	}

	p := make([]byte, len(body))
	copy(p, body)

	for _, q := range b.queues {
		for bd := range q.binds {
			if bd.exchange == exchange && transport.MatchTopic(bd.key, key) {
				q.msgs = append(q.msgs, message{exchange: exchange, key: key, body: p})
				break
			}
		}
	}
	b.cond.Broadcast()
	return nil
}

func (b *Broker) deleteQueue(name string) {
	if _, ok := b.queues[name]; !ok {
		return
	}
	delete(b.queues, name)
	b.cond.Broadcast()
}

// Conn is a connection to a Broker.
type Conn struct {
	b        *Broker
	channels map[*Channel]struct{}
	closed   bool
}

var _ transport.Connection = (*Conn)(nil)

func (c *Conn) Channel() (transport.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, transport.ErrConnClosed
	}
	if c.b.channelErr != nil {
		return nil, c.b.channelErr
	}

	ch := &Channel{
		b:         c.b,
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]unacked),
		notify:    make(chan error, 1),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes all channels of the connection and deletes the exclusive
// queues it owns.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	delete(c.b.conns, c)
	for ch := range c.channels {
		ch.shutdown(nil)
	}
	for name, q := range c.b.queues {
		if q.spec.Exclusive && q.owner == c {
			c.b.deleteQueue(name)
		}
	}
	return nil
}

// OpenChannels returns the number of open channels on the connection.
func (c *Conn) OpenChannels() int {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return len(c.channels)
}

// KillChannels shuts down every open channel of the connection as the broker
// would on a channel error, signalling reason to NotifyClose listeners.
func (c *Conn) KillChannels(reason error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for ch := range c.channels {
		ch.shutdown(reason)
	}
}

type consumer struct {
	tag     string
	q       *queue
	ch      *Channel
	autoAck bool
	out     chan transport.Delivery
	stop    chan struct{}
	stopped bool
}

// Channel is a channel on a Conn.
type Channel struct {
	b    *Broker
	conn *Conn

	prefetch  int
	consumers map[string]*consumer
	unacked   map[uint64]unacked
	closed    bool
	notify    chan error
}

var _ transport.Channel = (*Channel)(nil)

func (ch *Channel) DeclareQueue(spec transport.QueueSpec) (string, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return "", transport.ErrChannelClosed
	}

	if spec.Name == "" {
		ch.b.nextName++
		spec.Name = fmt.Sprintf("amq.gen-%d", ch.b.nextName)
	}

	if q, ok := ch.b.queues[spec.Name]; ok {
		if q.spec.Exclusive && q.owner != ch.conn {
			return "", fmt.Errorf("%w: %s", ErrQueueLocked, spec.Name)
		}
		if q.spec.Durable != spec.Durable || q.spec.AutoDelete != spec.AutoDelete {
			return "", fmt.Errorf("%w: %s", ErrQueueMismatch, spec.Name)
		}
		return spec.Name, nil
	}

	ch.b.queues[spec.Name] = &queue{
		spec:  spec,
		owner: ch.conn,
		binds: make(map[binding]struct{}),
		subs:  make(map[*consumer]struct{}),
	}
	return spec.Name, nil
}

func (ch *Channel) BindQueue(queueName, key, exchange string) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return transport.ErrChannelClosed
	}
	if _, ok := ch.b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrNoExchange, exchange)
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	q.binds[binding{exchange: exchange, key: key}] = struct{}{}
	return nil
}

func (ch *Channel) DeleteQueue(name string) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return transport.ErrChannelClosed
	}
	if q, ok := ch.b.queues[name]; ok {
		ch.b.stopQueueConsumers(q)
		ch.b.deleteQueue(name)
	}
	return nil
}

func (ch *Channel) Qos(prefetch int) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return transport.ErrChannelClosed
	}
	ch.prefetch = prefetch
	ch.b.cond.Broadcast()
	return nil
}

// Prefetch returns the prefetch limit set on the channel.
func (ch *Channel) Prefetch() int {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) Publish(ctx context.Context, exchange, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return transport.ErrChannelClosed
	}
	if ch.b.publishErr != nil {
		return ch.b.publishErr
	}
	return ch.b.route(exchange, key, body)
}

func (ch *Channel) Consume(queueName, tag string, autoAck bool) (<-chan transport.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return nil, transport.ErrChannelClosed
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	if q.spec.Exclusive && q.owner != ch.conn {
		return nil, fmt.Errorf("%w: %s", ErrQueueLocked, queueName)
	}
	if tag == "" {
		ch.b.nextName++
		tag = fmt.Sprintf("ctag-%d", ch.b.nextName)
	}
	if _, ok := ch.consumers[tag]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
	}

	cs := &consumer{
		tag:     tag,
		q:       q,
		ch:      ch,
		autoAck: autoAck,
		out:     make(chan transport.Delivery),
		stop:    make(chan struct{}),
	}
	ch.consumers[tag] = cs
	q.subs[cs] = struct{}{}

	go cs.run()

	return cs.out, nil
}

func (ch *Channel) Cancel(tag string) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return transport.ErrChannelClosed
	}
	if cs, ok := ch.consumers[tag]; ok {
		ch.b.stopConsumer(cs)
	}
	return nil
}

func (ch *Channel) Ack(tag uint64) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return transport.ErrChannelClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDelivery, tag)
	}
	delete(ch.unacked, tag)
	ch.b.cond.Broadcast()
	return nil
}

// Unacked returns the number of deliveries awaiting acknowledgement.
func (ch *Channel) Unacked() int {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return len(ch.unacked)
}

func (ch *Channel) NotifyClose() <-chan error {
	return ch.notify
}

func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return transport.ErrChannelClosed
	}
	ch.shutdown(nil)
	return nil
}

// shutdown requires b.mu held.
func (ch *Channel) shutdown(reason error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, cs := range ch.consumers {
		ch.b.stopConsumer(cs)
	}
	for tag, u := range ch.unacked {
		if cur, ok := ch.b.queues[u.q.spec.Name]; ok && cur == u.q {
			u.q.msgs = append([]message{u.m}, u.q.msgs...)
		}
		delete(ch.unacked, tag)
	}
	delete(ch.conn.channels, ch)

	if reason != nil {
		ch.notify <- reason
	}
	close(ch.notify)
	ch.b.cond.Broadcast()
}

// stopConsumer requires b.mu held.
func (b *Broker) stopConsumer(cs *consumer) {
	if cs.stopped {
		return
	}
	cs.stopped = true
	close(cs.stop)
	delete(cs.ch.consumers, cs.tag)

	q := cs.q
	delete(q.subs, cs)
	if q.spec.AutoDelete && len(q.subs) == 0 {
		if cur, ok := b.queues[q.spec.Name]; ok && cur == q {
			b.deleteQueue(q.spec.Name)
		}
	}
	b.cond.Broadcast()
}

// stopQueueConsumers requires b.mu held.
func (b *Broker) stopQueueConsumers(q *queue) {
	for cs := range q.subs {
		b.stopConsumer(cs)
	}
}

// ready requires b.mu held.
func (cs *consumer) ready() bool {
	if len(cs.q.msgs) == 0 {
		return false
	}
	if cs.autoAck || cs.ch.prefetch <= 0 {
		return true
	}
	return len(cs.ch.unacked) < cs.ch.prefetch
}

func (cs *consumer) run() {
	defer close(cs.out)
	b := cs.ch.b

	for {
		b.mu.Lock()
		for !cs.stopped && !cs.ready() {
			b.cond.Wait()
		}
		if cs.stopped {
			b.mu.Unlock()
			return
		}

		m := cs.q.msgs[0]
		cs.q.msgs = cs.q.msgs[1:]
		b.nextTag++
		tag := b.nextTag
		if !cs.autoAck {
			cs.ch.unacked[tag] = unacked{q: cs.q, m: m}
		}
		b.mu.Unlock()

		select {
		case cs.out <- transport.Delivery{
			Tag:        tag,
			Exchange:   m.exchange,
			RoutingKey: m.key,
			Body:       m.body,
		}:
		case <-cs.stop:
			b.mu.Lock()
			if _, ok := cs.ch.unacked[tag]; ok || cs.autoAck {
				delete(cs.ch.unacked, tag)
				if cur, ok := b.queues[cs.q.spec.Name]; ok && cur == cs.q {
					cs.q.msgs = append([]message{m}, cs.q.msgs...)
				}
			}
			b.mu.Unlock()
			return
		}
	}
}
