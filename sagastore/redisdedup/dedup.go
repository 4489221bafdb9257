// Package redisdedup is a Redis-backed alternative to
// sagastore.Idempotency: it wires go-redis a second, independent way
// from the broker transport, so that the idempotency window survives
// coordinator restarts when Redis is configured.
package redisdedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup tracks processed (saga_id, event_id) pairs in Redis using
// SETNX-with-TTL: the first writer for a key wins, and the key expires
// on its own after ttl, bounding memory the same way the in-process LRU
// bounds its entry count.
type Dedup struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// Config configures a Dedup.
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
	TTL       time.Duration
}

// New constructs a Dedup. KeyPrefix defaults to "saga:dedup:" and TTL
// defaults to 24h.
func New(cfg Config) *Dedup {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "saga:dedup:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Dedup{client: cfg.Client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

func (d *Dedup) key(sagaID, eventID string) string {
	return d.keyPrefix + sagaID + ":" + eventID
}

// SeenAndRecord reports whether (sagaID, eventID) was already processed
// by any coordinator instance sharing this Redis keyspace; if not, it
// records it and returns false.
func (d *Dedup) SeenAndRecord(ctx context.Context, sagaID, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(sagaID, eventID), 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX reports true if this call set the key, i.e. it was NOT seen.
	return !ok, nil
}
