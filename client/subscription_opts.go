package client

type SubscriptionOption func(s *Subscription)

// WithDurable keeps the event queue on the broker across disconnects and
// names it after the topic only.
func WithDurable(flag bool) SubscriptionOption {
	return func(s *Subscription) {
		s.durable = flag
	}
}

// WithPrefetch overrides the configured number of unacknowledged events the
// broker hands out at once.
func WithPrefetch(n int) SubscriptionOption {
	return func(s *Subscription) {
		s.prefetch = n
	}
}
