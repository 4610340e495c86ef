package client

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonbeat/service-client-go/lsbl"
	"github.com/lemonbeat/service-client-go/transport"
	"github.com/lemonbeat/service-client-go/transport/memory"
)

func publishEvent(t *testing.T, b *memory.Broker, topic string, seq uint32) {
	t.Helper()
	e, err := lsbl.NewEvent("SERVICE.VALUESERVICE", topic, seq, nil)
	require.NoError(t, err)
	p, err := lsbl.Write(e)
	require.NoError(t, err)
	require.NoError(t, b.Publish("EVENT.APP", topic, p))
}

func recvEvent(t *testing.T, events <-chan *lsbl.Envelope) *lsbl.Envelope {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	return nil
}

func assertNoEvent(t *testing.T, events <-chan *lsbl.Envelope) {
	t.Helper()
	select {
	case e := <-events:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventQueues(names []string) []string {
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, "PARTNER.EVENTS.") {
			out = append(out, n)
		}
	}
	return out
}

func collect(events chan *lsbl.Envelope) Handler {
	return func(e *lsbl.Envelope) error {
		events <- e
		return nil
	}
}

func TestSubscribe_ArgumentErrors(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.Subscribe("", collect(nil))
	assert.ErrorIs(t, err, ErrEmptyTopic)

	_, err = c.Subscribe("EVENT.APP.FOO", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestSubscribe_SetupFailure(t *testing.T) {
	c, b, _ := newTestClient(t)

	b.FailChannels(errors.New("no channels left"))
	_, err := c.Subscribe("EVENT.APP.FOO", collect(nil))
	assert.Error(t, err)
	b.FailChannels(nil)

	cfg := c.Config()
	cfg.Exchanges.Event = "EVENT.MISSING"
	c2, err := New(b.Dial(), WithConfig(cfg))
	require.NoError(t, err)
	defer c2.Close()

	_, err = c2.Subscribe("EVENT.MISSING.FOO", collect(nil))
	assert.ErrorIs(t, err, memory.ErrNoExchange)
}

func TestSubscribe_NonDurable(t *testing.T) {
	m := newCountingCollector()
	c, b, _ := newTestClient(t, WithMetrics(m))
	events := make(chan *lsbl.Envelope, 10)

	sub, err := c.Subscribe("EVENT.APP.FOO", collect(events))
	require.NoError(t, err)

	assert.False(t, sub.Durable())
	assert.True(t, strings.HasPrefix(sub.Queue(), "PARTNER.EVENTS.EXAMPLE.FOO."), sub.Queue())
	assert.Equal(t, []string{"EVENT.APP.FOO"}, b.Bindings(sub.Queue(), "EVENT.APP"))
	require.Eventually(t, func() bool {
		return sub.State() == StateDelivering
	}, time.Second, 5*time.Millisecond)

	publishEvent(t, b, "EVENT.APP.FOO", 7)
	publishEvent(t, b, "EVENT.APP.BAZ", 8)

	e := recvEvent(t, events)
	assert.Equal(t, uint32(7), e.Seq())
	assert.Equal(t, lsbl.TypeEvent, e.Kind())
	assert.Equal(t, "EVENT.APP.FOO", e.Adr.Target)
	assertNoEvent(t, events)

	require.Eventually(t, func() bool {
		return b.Unacked() == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.Close(), ErrSubscriptionClosed)
	<-sub.Done()

	assert.False(t, b.HasQueue(sub.Queue()), "temporary queue must be deleted")
	assert.Equal(t, StateCancelled, sub.State())
}

func TestSubscribe_DurableReconnect(t *testing.T) {
	m := newCountingCollector()
	c, b, conn := newTestClient(t, WithMetrics(m))
	events := make(chan *lsbl.Envelope, 10)

	sub, err := c.Subscribe("EVENT.APP.BAR", collect(events), WithDurable(true))
	require.NoError(t, err)
	assert.Equal(t, "PARTNER.EVENTS.EXAMPLE.BAR", sub.Queue())
	tag := sub.Tag()

	publishEvent(t, b, "EVENT.APP.BAR", 1)
	assert.Equal(t, uint32(1), recvEvent(t, events).Seq())
	require.Eventually(t, func() bool {
		return b.Unacked() == 0
	}, time.Second, 5*time.Millisecond)

	// keep the broker refusing channels so the subscription stays down
	b.FailChannels(errors.New("broker restarting"))
	conn.KillChannels(errors.New("CONNECTION_FORCED - broker forced connection closure"))

	require.Eventually(t, func() bool {
		return sub.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	publishEvent(t, b, "EVENT.APP.BAR", 2)
	assert.Equal(t, 1, b.Depth(sub.Queue()), "durable queue keeps events while down")

	b.FailChannels(nil)
	require.Eventually(t, func() bool {
		return sub.State() == StateDelivering
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint32(2), recvEvent(t, events).Seq())
	publishEvent(t, b, "EVENT.APP.BAR", 3)
	assert.Equal(t, uint32(3), recvEvent(t, events).Seq())
	assertNoEvent(t, events)

	assert.Equal(t, tag, sub.Tag())
	assert.Equal(t, []string{"PARTNER.EVENTS.EXAMPLE.BAR"}, eventQueues(b.QueueNames()))
	assert.Equal(t, []string{"EVENT.APP.BAR"}, b.Bindings(sub.Queue(), "EVENT.APP"))
	assert.Equal(t, 1, b.Consumers(sub.Queue()))
	assert.Equal(t, 1, m.reconnectCount())
}

func TestSubscribe_DurableResume(t *testing.T) {
	c, b, _ := newTestClient(t)
	events := make(chan *lsbl.Envelope, 10)

	sub, err := c.Subscribe("EVENT.APP.BAR", collect(events), WithDurable(true))
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	<-sub.Done()

	publishEvent(t, b, "EVENT.APP.BAR", 5)

	again, err := c.Subscribe("EVENT.APP.BAR", collect(events), WithDurable(true))
	require.NoError(t, err)
	defer again.Close()

	assert.Equal(t, sub.Queue(), again.Queue())
	assert.Equal(t, uint32(5), recvEvent(t, events).Seq())
	assert.Len(t, eventQueues(b.QueueNames()), 1)
}

func TestSubscribe_TemporaryReconnect(t *testing.T) {
	c, b, conn := newTestClient(t)
	events := make(chan *lsbl.Envelope, 10)

	sub, err := c.Subscribe("EVENT.APP.*", collect(events))
	require.NoError(t, err)

	conn.KillChannels(errors.New("CHANNEL_ERROR"))

	require.Eventually(t, func() bool {
		return sub.State() == StateDelivering && b.HasQueue(sub.Queue())
	}, 2*time.Second, 5*time.Millisecond)

	publishEvent(t, b, "EVENT.APP.QUX", 9)
	assert.Equal(t, uint32(9), recvEvent(t, events).Seq())
	assert.Len(t, eventQueues(b.QueueNames()), 1)
}

func TestSubscribe_BadPayloadAndFailingHandler(t *testing.T) {
	c, b, _ := newTestClient(t)

	var calls atomic.Int32
	events := make(chan *lsbl.Envelope, 10)
	_, err := c.Subscribe("EVENT.APP.FOO", func(e *lsbl.Envelope) error {
		n := calls.Add(1)
		events <- e
		switch n {
		case 2:
			panic("handler bug")
		case 3:
			return errors.New("handler failed")
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("EVENT.APP", "EVENT.APP.FOO", []byte("\xef\xbb\xbfnot an envelope")))
	publishEvent(t, b, "EVENT.APP.FOO", 2)
	publishEvent(t, b, "EVENT.APP.FOO", 3)
	publishEvent(t, b, "EVENT.APP.FOO", 4)

	assert.Nil(t, recvEvent(t, events))
	assert.Equal(t, uint32(2), recvEvent(t, events).Seq())
	assert.Equal(t, uint32(3), recvEvent(t, events).Seq())
	assert.Equal(t, uint32(4), recvEvent(t, events).Seq())

	require.Eventually(t, func() bool {
		return b.Unacked() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribe_SequentialDelivery(t *testing.T) {
	c, b, _ := newTestClient(t)

	var inflight, maxInflight atomic.Int32
	events := make(chan *lsbl.Envelope, 10)
	_, err := c.Subscribe("EVENT.APP.#", func(e *lsbl.Envelope) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		if n > maxInflight.Load() {
			maxInflight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		events <- e
		return nil
	})
	require.NoError(t, err)

	for i := range 5 {
		publishEvent(t, b, "EVENT.APP.FOO.BAR", uint32(i+1))
	}
	for i := range 5 {
		assert.Equal(t, uint32(i+1), recvEvent(t, events).Seq())
	}
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestSubscribe_StopsWhenConnectionCloses(t *testing.T) {
	c, _, conn := newTestClient(t)

	sub, err := c.Subscribe("EVENT.APP.FOO", collect(nil))
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still running")
	}
	assert.Equal(t, StateCancelled, sub.State())
}

func TestSubscribe_StopsWhenConnectionDiesWhileReconnecting(t *testing.T) {
	m := newCountingCollector()
	c, b, conn := newTestClient(t, WithMetrics(m))

	sub, err := c.Subscribe("EVENT.APP.BAR", collect(nil), WithDurable(true))
	require.NoError(t, err)

	b.FailChannels(errors.New("broker restarting"))
	conn.KillChannels(errors.New("CONNECTION_FORCED - broker forced connection closure"))
	require.Eventually(t, func() bool {
		return sub.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	b.FailChannels(nil)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription still %s on a closed connection", sub.State())
	}
	assert.Equal(t, StateCancelled, sub.State())
	assert.Equal(t, 0, m.reconnectCount())

	_, err = c.Subscribe("EVENT.APP.BAR", collect(nil))
	assert.ErrorIs(t, err, transport.ErrConnClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "delivering", StateDelivering.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
