// Package client sends LsBL commands to backend services and receives their
// events over an AMQP broker.
package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/lemonbeat/service-client-go/config"
	"github.com/lemonbeat/service-client-go/correlator"
	"github.com/lemonbeat/service-client-go/lsbl"
	"github.com/lemonbeat/service-client-go/metrics"
	"github.com/lemonbeat/service-client-go/transport"
)

// Client shares one broker connection between all calls and subscriptions.
// Every call and every subscription runs on its own channel.
type Client struct {
	conn     transport.Connection
	ownsConn bool

	cfg      config.Config
	timeout  time.Duration
	poolSize int

	pool    *ants.Pool
	pending *correlator.Correlator[*lsbl.Envelope]
	session Session
	metrics metrics.Collector

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}

	done   chan struct{}
	closed atomic.Bool

	// logger is the logger as configured, l is scoped to the client.
	logger *slog.Logger
	l      *slog.Logger
}

// New creates a client on an established connection. The connection stays
// owned by the caller.
func New(conn transport.Connection, opts ...Option) (*Client, error) {
	c := &Client{
		conn:     conn,
		cfg:      config.Default(),
		poolSize: ants.DefaultAntsPoolSize,
		pending:  correlator.New[*lsbl.Envelope](),
		metrics:  metrics.Nop{},
		subs:     make(map[*Subscription]struct{}),
		done:     make(chan struct{}),
		l:        slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.timeout == 0 {
		c.timeout = c.cfg.RequestTimeout
	}
	if c.timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", config.ErrInvalidTimeout, c.timeout)
	}
	if c.cfg.ClientName == "" {
		return nil, config.ErrEmptyClientName
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if c.l == nil {
		c.l = slog.Default()
	}

	pool, err := ants.NewPool(c.poolSize)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	c.pool = pool

	c.logger = c.l
	c.l = c.l.With("component", "lsbl-client", "client", c.cfg.ClientName)

	return c, nil
}

// Dial connects to the broker described by cfg and creates a client that
// owns the connection. A WithConfig option replaces cfg.
func Dial(cfg config.Config, tlsConf *tls.Config, opts ...Option) (*Client, error) {
	c, err := New(nil, append([]Option{WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := c.cfg.Validate(); err != nil {
		c.pool.Release()
		return nil, fmt.Errorf("config: %w", err)
	}

	conn, err := transport.Dial(c.cfg.Broker.URI(), c.cfg.ClientName, tlsConf, c.logger)
	if err != nil {
		c.pool.Release()
		return nil, err
	}
	c.conn = conn
	c.ownsConn = true

	c.l.Info("connected", "host", c.cfg.Broker.Host, "vhost", c.cfg.Broker.VHost)
	return c, nil
}

func (c *Client) Config() config.Config {
	return c.cfg
}

func (c *Client) Session() *Session {
	return &c.session
}

// Close cancels all subscriptions and resolves every outstanding call with a
// transport error NACK. Durable event queues are kept on the broker.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	c.pending.Close()
	c.pool.Release()

	if c.ownsConn {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}

func (c *Client) addSub(s *Subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[s] = struct{}{}
}

func (c *Client) removeSub(s *Subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, s)
}

// release cancels the consumer and closes the channel. Both are best effort.
func (c *Client) release(ch transport.Channel, tag string) {
	if ch == nil {
		return
	}
	if tag != "" {
		if err := ch.Cancel(tag); err != nil && !transport.IsClosed(err) {
			c.l.Debug("cancel consumer", "tag", tag, "err", err)
		}
	}
	if err := ch.Close(); err != nil && !transport.IsClosed(err) {
		c.l.Debug("close channel", "err", err)
	}
}
