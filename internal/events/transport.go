// Package events publishes domain events to a topic broker and dispatches
// consumed events to handlers.
//
// Delivery is at-least-once. Subscribers deduplicate on event_id, so a
// handler's side effect runs once per event even when the broker redelivers.
package events

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrDeliveryFailure reports an event that could not be handed to the
	// broker. The state change that produced it stands.
	ErrDeliveryFailure = errors.New("event delivery failed")
	// ErrRetry, wrapped by a handler error, asks for redelivery.
	ErrRetry        = errors.New("retry event")
	ErrClosed       = errors.New("publisher closed")
	ErrInvalidEvent = errors.New("invalid event")
)

// Delivery is one consumed message. Exactly one of Ack or Nack is called.
type Delivery interface {
	RoutingKey() string
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Transport is the broker seam shared by Publisher and Subscriber.
type Transport interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	// Consume binds queue to the routing-key patterns and streams its
	// messages until ctx is done or the transport is closed.
	Consume(ctx context.Context, queue string, bindings []string) (<-chan Delivery, error)
	Close() error
}

// MatchTopic reports whether routingKey matches a topic pattern. Words are
// dot separated; "*" matches exactly one word and "#" zero or more.
func MatchTopic(pattern, routingKey string) bool {
	if pattern == "#" {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pat, key []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "#":
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pat[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pat[0] {
				return false
			}
		}
		pat, key = pat[1:], key[1:]
	}
	return len(key) == 0
}

// MatchAny reports whether routingKey matches at least one pattern.
func MatchAny(patterns []string, routingKey string) bool {
	for _, p := range patterns {
		if MatchTopic(p, routingKey) {
			return true
		}
	}
	return false
}
