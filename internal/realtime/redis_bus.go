package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries events over Redis pub/sub, one channel per table.
// Subscribers filter client-side; the channel fan-out stays coarse on
// purpose (the orchestrator re-validates addressing anyway).
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger

	// buffer controls the per-subscription channel depth. A slow
	// consumer drops events rather than blocking the reader loop.
	buffer int
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, prefix: "rt", log: log, buffer: 64}
}

func (b *RedisBus) channel(table string) string {
	return fmt.Sprintf("%s:%s", b.prefix, table)
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	if e.Table == "" {
		return fmt.Errorf("realtime: event table required")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel(e.Table), raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, f Filter) (<-chan Event, func(), error) {
	if f.Table == "" {
		return nil, nil, fmt.Errorf("realtime: subscribe requires a table")
	}

	ps := b.rdb.Subscribe(ctx, b.channel(f.Table))
	// Force the subscription to establish so a broken Redis connection
	// surfaces here instead of as a silent dead channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("realtime: subscribe %s: %w", f.Table, err)
	}

	out := make(chan Event, b.buffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		src := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.log.Warn("realtime: dropping undecodable event", "table", f.Table, "err", err)
					continue
				}
				if !f.Matches(e) {
					continue
				}
				select {
				case out <- e:
				default:
					b.log.Warn("realtime: subscriber lagging, event dropped", "table", e.Table, "type", e.Type)
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = ps.Close()
	}
	return out, cancel, nil
}
