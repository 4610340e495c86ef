// Package service provides helpers for the backend services reachable
// through the command exchange. Every operation comes as a callback form and
// an Await form that blocks until the reply or a local NACK arrives.
package service

import (
	"github.com/lemonbeat/service-client-go/client"
	"github.com/lemonbeat/service-client-go/config"
	"github.com/lemonbeat/service-client-go/lsbl"
)

// Client is the part of *client.Client the services depend on.
type Client interface {
	Call(req *lsbl.Envelope, onResult func(*lsbl.Envelope)) error
	CallAwait(req *lsbl.Envelope) (*lsbl.Envelope, error)
	Session() *client.Session
	Config() config.Config
}

var _ Client = (*client.Client)(nil)

func call(c Client, queue string, cmd any, onResult func(*lsbl.Envelope)) error {
	req, err := lsbl.NewCommand(queue, cmd)
	if err != nil {
		return err
	}
	return c.Call(req, onResult)
}

func await(c Client, queue string, cmd any) (*lsbl.Envelope, error) {
	req, err := lsbl.NewCommand(queue, cmd)
	if err != nil {
		return nil, err
	}
	return c.CallAwait(req)
}

// empty marshals as an element without content.
type empty struct{}
