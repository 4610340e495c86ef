package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lemonbeat/service-client-go/lsbl"
	"github.com/lemonbeat/service-client-go/metrics"
	"github.com/lemonbeat/service-client-go/transport"
)

const timeoutMessage = "The request timed out"

type pendingCall struct {
	seq        uint32
	target     string
	replyQueue string
	tag        string
	created    time.Time

	// addr is a copy of the request address used to build local NACKs.
	addr     *lsbl.Envelope
	result   chan *lsbl.Envelope
	onResult func(*lsbl.Envelope)
}

func (p *pendingCall) nack(code, message string) *lsbl.Envelope {
	return lsbl.NewNack(p.addr, code, message, time.Now())
}

// Call sends req to the service queue named by its target and invokes
// onResult exactly once with the matching reply, or with a NACK synthesized
// on timeout or transport failure. Call assigns the sequence number, source
// and token of req.
//
// Argument errors are returned and onResult is not invoked. onResult runs on
// a pool worker, or on the calling goroutine if the call fails before it is
// published.
func (c *Client) Call(req *lsbl.Envelope, onResult func(*lsbl.Envelope)) error {
	switch {
	case onResult == nil:
		return ErrNilCallback
	case req == nil || req.Adr == nil:
		return ErrNilRequest
	case req.Adr.Target == "":
		return ErrEmptyTarget
	case c.closed.Load():
		return ErrClientClosed
	}

	call := &pendingCall{
		target:     req.Adr.Target,
		replyQueue: replyQueueName(c.cfg.Queues.ReplyPrefix, c.cfg.ClientName, time.Now()),
		tag:        newConsumerTag(),
		created:    time.Now(),
		result:     make(chan *lsbl.Envelope, 1),
		onResult:   onResult,
	}
	call.seq = c.pending.Next(call.result)

	req.Adr.Seq = call.seq
	req.Adr.Src = call.replyQueue
	if token := c.session.Token(); token != "" {
		req.SetToken(token)
	}
	adr := *req.Adr
	call.addr = &lsbl.Envelope{Adr: &adr}

	body, err := lsbl.Write(req)
	if err != nil {
		c.pending.Delete(call.seq)
		return fmt.Errorf("encode request: %w", err)
	}

	c.metrics.CallStarted(call.target)
	l := c.l.With("target", call.target, "seq", call.seq)

	ch, err := c.conn.Channel()
	if err != nil {
		c.abort(call, nil, l, "open channel", err)
		return nil
	}

	deliveries, err := c.bindReplyQueue(ch, call)
	if err != nil {
		c.abort(call, ch, l, "reply queue", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	err = ch.Publish(ctx, c.cfg.Exchanges.Command, call.target, body)
	cancel()
	if err != nil {
		c.abort(call, ch, l, "publish", err)
		return nil
	}

	if err := c.pool.Submit(func() {
		c.listen(call, ch, deliveries, l)
	}); err != nil {
		c.abort(call, ch, l, "submit listener", err)
		return nil
	}

	return nil
}

// CallAwait sends req and blocks until its result is available.
func (c *Client) CallAwait(req *lsbl.Envelope) (*lsbl.Envelope, error) {
	res := make(chan *lsbl.Envelope, 1)
	if err := c.Call(req, func(e *lsbl.Envelope) {
		res <- e
	}); err != nil {
		return nil, err
	}
	return <-res, nil
}

func (c *Client) bindReplyQueue(ch transport.Channel, call *pendingCall) (<-chan transport.Delivery, error) {
	if _, err := ch.DeclareQueue(transport.QueueSpec{
		Name:       call.replyQueue,
		AutoDelete: true,
		Exclusive:  true,
	}); err != nil {
		return nil, fmt.Errorf("declare: %w", err)
	}

	if err := ch.BindQueue(call.replyQueue, call.replyQueue, c.cfg.Exchanges.Reply); err != nil {
		c.dropReplyQueue(ch, call.replyQueue)
		return nil, fmt.Errorf("bind: %w", err)
	}

	deliveries, err := ch.Consume(call.replyQueue, call.tag, true)
	if err != nil {
		c.dropReplyQueue(ch, call.replyQueue)
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// dropReplyQueue deletes a reply queue that never got a consumer, so
// auto-delete will not remove it. A broker closes the channel on a failed
// bind or consume, in which case a fresh channel is used.
func (c *Client) dropReplyQueue(ch transport.Channel, name string) {
	err := ch.DeleteQueue(name)
	if err == nil {
		return
	}
	if !transport.IsClosed(err) {
		c.l.Warn("delete reply queue", "queue", name, "err", err)
		return
	}

	fresh, err := c.conn.Channel()
	if err != nil {
		c.l.Warn("delete reply queue", "queue", name, "err", err)
		return
	}
	defer c.release(fresh, "")

	if err := fresh.DeleteQueue(name); err != nil {
		c.l.Warn("delete reply queue", "queue", name, "err", err)
	}
}

// abort resolves a call that could not be published.
func (c *Client) abort(call *pendingCall, ch transport.Channel, l *slog.Logger, op string, err error) {
	l.Error("call failed", "op", op, "err", err)
	c.pending.Send(call.seq, call.nack(lsbl.ErrCodeTransportError, fmt.Sprintf("%s: %v", op, err)))
	c.finish(call, ch)
}

func (c *Client) listen(call *pendingCall, ch transport.Channel, deliveries <-chan transport.Delivery, l *slog.Logger) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	c.pending.Send(call.seq, c.await(call, deliveries, timer.C, l))
	c.finish(call, ch)
}

func (c *Client) await(call *pendingCall, deliveries <-chan transport.Delivery, timeout <-chan time.Time, l *slog.Logger) *lsbl.Envelope {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				l.Warn("reply consumer closed")
				return call.nack(lsbl.ErrCodeTransportError, "The reply consumer was closed")
			}

			reply, err := lsbl.Parse(d.Body)
			if err != nil {
				l.Warn("parse reply", "err", err)
				return call.nack(lsbl.ErrCodeParseError, "The reply could not be parsed")
			}
			if reply.Seq() != call.seq {
				l.Debug("discard reply", "reply_seq", reply.Seq())
				continue
			}
			return reply

		case <-timeout:
			l.Warn("request timed out", "after", c.timeout)
			return call.nack(lsbl.ErrCodeTimeout, timeoutMessage)

		case <-c.done:
			return call.nack(lsbl.ErrCodeTransportError, ErrClientClosed.Error())
		}
	}
}

// finish hands the resolved result to the caller and releases the reply
// channel. The result is already resolved, or the correlator was closed.
func (c *Client) finish(call *pendingCall, ch transport.Channel) {
	defer c.release(ch, call.tag)

	res, ok := <-call.result
	if !ok {
		res = call.nack(lsbl.ErrCodeTransportError, ErrClientClosed.Error())
	}

	c.metrics.CallFinished(call.target, outcomeOf(res), time.Since(call.created))
	call.onResult(res)
}

func outcomeOf(e *lsbl.Envelope) metrics.Outcome {
	switch e.Kind() {
	case lsbl.TypeAck:
		return metrics.OutcomeAck
	case lsbl.TypeNack:
		if n, ok := lsbl.NackOf(e); ok {
			switch n.ErrorCode {
			case lsbl.ErrCodeTimeout:
				return metrics.OutcomeTimeout
			case lsbl.ErrCodeTransportError:
				return metrics.OutcomeTransportError
			case lsbl.ErrCodeParseError:
				return metrics.OutcomeParseError
			}
		}
		return metrics.OutcomeNack
	}
	return metrics.OutcomeResponse
}
