package observability

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisFanout publishes every emitted event onto a Redis channel so a
// read-only observer process can subscribe without ever touching the
// single-writer ledger file. Publish failures are logged and swallowed:
// observer delivery is best-effort and must never slow down or fail the
// dispatch loop.
type RedisFanout struct {
	client  *redis.Client
	channel string
}

// NewRedisFanout connects to addr and returns a fanout ready to be passed
// to Sink.OnPublish.
func NewRedisFanout(addr, channel string) *RedisFanout {
	return &RedisFanout{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

// Publish is the Sink.OnPublish hook.
func (f *RedisFanout) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("observability: redis fanout marshal failed: %v", err)
		return
	}
	if err := f.client.Publish(context.Background(), f.channel, data).Err(); err != nil {
		log.Printf("observability: redis fanout publish failed: %v", err)
	}
}

// Close releases the underlying Redis connection pool.
func (f *RedisFanout) Close() error {
	return f.client.Close()
}
