package client

import "errors"

var (
	ErrClientClosed = errors.New("client closed")

	ErrNilRequest  = errors.New("request has no address")
	ErrEmptyTarget = errors.New("request has no target")
	ErrNilCallback = errors.New("nil result callback")

	ErrEmptyTopic         = errors.New("empty topic")
	ErrNilHandler         = errors.New("nil event handler")
	ErrSubscriptionClosed = errors.New("subscription closed")
)
