package client

import (
	"encoding/xml"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonbeat/service-client-go/config"
	"github.com/lemonbeat/service-client-go/lsbl"
	"github.com/lemonbeat/service-client-go/metrics"
	"github.com/lemonbeat/service-client-go/transport"
	"github.com/lemonbeat/service-client-go/transport/memory"
)

func newTestClient(t *testing.T, opts ...Option) (*Client, *memory.Broker, *memory.Conn) {
	t.Helper()

	b := memory.New("DMZ", "PARTNER", "EVENT.APP")
	conn := b.Dial()

	cfg := config.Default()
	cfg.Reconnect = config.ReconnectBackoff{
		Initial:    10 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
	}

	c, err := New(conn, append([]Option{WithConfig(cfg), WithTimeout(2 * time.Second)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		_ = conn.Close()
	})
	return c, b, conn
}

// respond serves target from its own connection. Every request is passed to
// the returned channel, then the payloads returned by reply are published to
// its reply queue in order. reply may be nil.
func respond(t *testing.T, b *memory.Broker, target string, reply func(req *lsbl.Envelope) [][]byte) <-chan *lsbl.Envelope {
	t.Helper()

	conn := b.Dial()
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	_, err = ch.DeclareQueue(transport.QueueSpec{Name: target, Durable: true})
	require.NoError(t, err)
	require.NoError(t, ch.BindQueue(target, target, "DMZ"))

	deliveries, err := ch.Consume(target, "", true)
	require.NoError(t, err)

	seen := make(chan *lsbl.Envelope, 64)
	go func() {
		for d := range deliveries {
			req, err := lsbl.Parse(d.Body)
			if err != nil {
				continue
			}
			seen <- req
			if reply == nil {
				continue
			}
			for _, p := range reply(req) {
				_ = b.Publish("PARTNER", req.Adr.Src, p)
			}
		}
	}()
	return seen
}

type echo struct {
	XMLName xml.Name `xml:"echo"`
	Seq     uint32   `xml:"seq"`
}

func responseTo(t *testing.T, req *lsbl.Envelope) []byte {
	t.Helper()
	resp, err := lsbl.NewResponse(req, &echo{Seq: req.Seq()})
	require.NoError(t, err)
	p, err := lsbl.Write(resp)
	require.NoError(t, err)
	return p
}

func recvRequest(t *testing.T, reqs <-chan *lsbl.Envelope) *lsbl.Envelope {
	t.Helper()
	select {
	case r := <-reqs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
	}
	return nil
}

type countingCollector struct {
	mu         sync.Mutex
	started    int
	outcomes   map[metrics.Outcome]int
	events     int
	reconnects int
}

func newCountingCollector() *countingCollector {
	return &countingCollector{outcomes: make(map[metrics.Outcome]int)}
}

func (c *countingCollector) CallStarted(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *countingCollector) CallFinished(_ string, o metrics.Outcome, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[o]++
}

func (c *countingCollector) EventDelivered(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events++
}

func (c *countingCollector) Reconnected(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

func (c *countingCollector) outcome(o metrics.Outcome) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[o]
}

func (c *countingCollector) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func TestNew(t *testing.T) {
	b := memory.New()
	conn := b.Dial()
	defer conn.Close()

	c, err := New(conn)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, c.timeout)
	assert.Equal(t, "EXAMPLE", c.Config().ClientName)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = New(conn, WithTimeout(-time.Second))
	assert.ErrorIs(t, err, config.ErrInvalidTimeout)

	cfg := config.Default()
	cfg.ClientName = ""
	_, err = New(conn, WithConfig(cfg))
	assert.ErrorIs(t, err, config.ErrEmptyClientName)
}

func TestDial_InvalidConfig(t *testing.T) {
	_, err := Dial(config.Default(), nil)
	assert.ErrorIs(t, err, config.ErrEmptyHost)

	unreachable := config.Default()
	unreachable.Broker.Host = "127.0.0.1"
	unreachable.Broker.Port = 1
	unreachable.Broker.TLS = false

	// options are applied before anything is dialed
	_, err = Dial(unreachable, nil, WithTimeout(-time.Second))
	assert.ErrorIs(t, err, config.ErrInvalidTimeout)

	// a WithConfig option replaces the dialed config
	_, err = Dial(unreachable, nil, WithConfig(config.Default()))
	assert.ErrorIs(t, err, config.ErrEmptyHost)

	_, err = Dial(config.Default(), nil, WithConfig(unreachable))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amqp: dial")
}

func TestClient_CloseCancelsSubscriptions(t *testing.T) {
	c, b, _ := newTestClient(t)

	sub, err := c.Subscribe("EVENT.APP.BAR", func(*lsbl.Envelope) error { return nil }, WithDurable(true))
	require.NoError(t, err)

	require.NoError(t, c.Close())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still running")
	}
	assert.Equal(t, StateCancelled, sub.State())
	assert.True(t, b.HasQueue(sub.Queue()), "durable queue must survive")
	assert.Equal(t, 0, b.Consumers(sub.Queue()))

	_, err = c.Subscribe("EVENT.APP.BAR", func(*lsbl.Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrClientClosed)
}
