package client

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

// uniqueSuffix is the unix millis of now followed by seven random digits.
func uniqueSuffix(now time.Time) string {
	return fmt.Sprintf("%d%d", now.UnixMilli(), 1_000_000+rand.IntN(9_000_000))
}

func replyQueueName(prefix, clientName string, now time.Time) string {
	return prefix + strings.ToUpper(clientName) + "." + uniqueSuffix(now)
}

// eventQueueName derives the queue of a subscription from its topic with the
// event exchange prefix removed. Only a leading exchange name is removed; one
// further inside the topic is part of the name. Durable names are stable
// across restarts.
func eventQueueName(prefix, clientName, exchange, topic string, durable bool, now time.Time) string {
	rest := strings.TrimPrefix(topic, exchange)
	if rest != "" && !strings.HasPrefix(rest, ".") {
		rest = "." + rest
	}

	name := prefix + strings.ToUpper(clientName) + rest
	if !durable {
		name += "." + uniqueSuffix(now)
	}
	return name
}

func newConsumerTag() string {
	return "lsbl-" + uuid.NewString()
}
