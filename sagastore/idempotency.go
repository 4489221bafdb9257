package sagastore

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Idempotency is a bounded window of processed (saga_id, event_id) pairs,
// enforcing invariant 4 in §3: each event is applied to a saga at most
// once. The default window holds the most recent 1000 entries; once
// full, the least-recently-seen pair is evicted.
type Idempotency struct {
	seen *lru.Cache[string, struct{}]
}

// NewIdempotency builds an in-process Idempotency window of the given
// size (default 1000 when <= 0).
func NewIdempotency(windowSize int) *Idempotency {
	if windowSize <= 0 {
		windowSize = 1000
	}
	cache, _ := lru.New[string, struct{}](windowSize)
	return &Idempotency{seen: cache}
}

func idempotencyKey(sagaID, eventID string) string {
	return sagaID + "|" + eventID
}

// SeenAndRecord reports whether (sagaID, eventID) was already processed;
// if not, it records it and returns false.
func (i *Idempotency) SeenAndRecord(sagaID, eventID string) bool {
	key := idempotencyKey(sagaID, eventID)
	if i.seen.Contains(key) {
		return true
	}
	i.seen.Add(key, struct{}{})
	return false
}

// Len reports the current number of tracked pairs.
func (i *Idempotency) Len() int {
	return i.seen.Len()
}
