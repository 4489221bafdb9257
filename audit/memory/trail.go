// Package memory provides an in-process audit.ITrail. Each saga's
// records live in their own slice, reached through a fixed set of
// hash-striped shards so contention is spread across locks (sagas that
// hash to the same shard share one) — Append and Timeline are both
// O(records-per-saga).
package memory

import (
	"context"
	"hash/fnv"
	"sync"

	"partnersaga/audit"
)

const defaultShardCount = 32

type shard struct {
	mu      sync.Mutex
	sagas   map[string][]audit.Record
	nextSeq map[string]int64
}

// Trail is a striped in-memory audit.ITrail.
type Trail struct {
	shards []*shard
}

// New constructs a Trail with the given shard count (default 32 when <= 0).
func New(shardCount int) *Trail {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{sagas: make(map[string][]audit.Record), nextSeq: make(map[string]int64)}
	}
	return &Trail{shards: shards}
}

func (t *Trail) shardFor(sagaID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Append assigns the next sequence number for rec.SagaID and stores it.
func (t *Trail) Append(ctx context.Context, rec audit.Record) (int64, error) {
	s := t.shardFor(rec.SagaID)
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.nextSeq[rec.SagaID] + 1
	rec.Seq = next
	s.nextSeq[rec.SagaID] = next
	s.sagas[rec.SagaID] = append(s.sagas[rec.SagaID], rec)
	return next, nil
}

// Timeline returns every record appended for sagaID, oldest first.
func (t *Trail) Timeline(ctx context.Context, sagaID string) (*audit.Timeline, error) {
	s := t.shardFor(sagaID)
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.sagas[sagaID]
	out := make([]audit.Record, len(records))
	copy(out, records)
	return &audit.Timeline{SagaID: sagaID, Records: out}, nil
}

var _ audit.ITrail = (*Trail)(nil)
