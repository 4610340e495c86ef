package client

import (
	"log/slog"
	"time"

	"github.com/lemonbeat/service-client-go/config"
	"github.com/lemonbeat/service-client-go/metrics"
)

type Option func(c *Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.l = l
	}
}

// WithTimeout overrides the request timeout of the configuration.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func WithConfig(cfg config.Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithPoolSize limits the number of calls awaiting a reply at the same time.
// Further calls block in Call until a slot frees up.
func WithPoolSize(size int) Option {
	return func(c *Client) {
		c.poolSize = size
	}
}
