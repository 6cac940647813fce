package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// TransitionsStream is the stream (and pub/sub channel) suffix for watcher
// transitions.
const TransitionsStream = "transitions"

// streamMaxLen caps the stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// TransitionBus publishes watcher transitions to a capped Redis stream for
// durable consumers and to a pub/sub channel for live tails.
type TransitionBus struct {
	client *Client
	stream string
}

// NewTransitionBus creates a TransitionBus.
func NewTransitionBus(c *Client) *TransitionBus {
	return &TransitionBus{client: c, stream: c.key(TransitionsStream)}
}

// PublishTransition appends ev to the stream and fans it out on pub/sub.
func (b *TransitionBus) PublishTransition(ctx context.Context, ev domain.TransitionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal transition: %w", err)
	}

	pipe := b.client.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"market_id": ev.MarketID,
			"payload":   payload,
		},
	})
	pipe.Publish(ctx, b.stream, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish transition %s: %w", ev.MarketID, err)
	}
	return nil
}

// ReadTransitions returns up to count transitions recorded after lastID
// ("0" reads from the start). Entries that fail to decode are skipped.
func (b *TransitionBus) ReadTransitions(ctx context.Context, lastID string, count int) ([]domain.TransitionEntry, error) {
	res, err := b.client.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read transitions: %w", err)
	}

	var out []domain.TransitionEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			ev, ok := decodeTransition(msg.Values["payload"])
			if !ok {
				continue
			}
			out = append(out, domain.TransitionEntry{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

func decodeTransition(v any) (domain.TransitionEvent, bool) {
	var raw []byte
	switch p := v.(type) {
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	default:
		return domain.TransitionEvent{}, false
	}
	var ev domain.TransitionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.TransitionEvent{}, false
	}
	return ev, true
}

var _ domain.EventPublisher = (*TransitionBus)(nil)
