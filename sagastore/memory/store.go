// Package memory is an in-process sagastore.ISagaStore, hash-sharded by
// saga_id to spread lock contention. Each shard is a map behind its own
// RWMutex; sagas whose ids hash to the same shard share that lock.
package memory

import (
	"context"
	"hash/fnv"
	"sync"

	"partnersaga/sagastore"
)

const defaultShardCount = 32

type shard struct {
	mu      sync.RWMutex
	byID    map[string]*sagastore.Instance
}

// Store is a sharded in-memory sagastore.ISagaStore.
type Store struct {
	shards []*shard
}

// New constructs a Store with the given shard count (default 32).
func New(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{byID: make(map[string]*sagastore.Instance)}
	}
	return &Store{shards: shards}
}

func (s *Store) shardFor(sagaID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) Get(ctx context.Context, sagaID string) (*sagastore.Instance, error) {
	sh := s.shardFor(sagaID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	inst, ok := sh.byID[sagaID]
	if !ok {
		return nil, sagastore.ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *Store) Create(ctx context.Context, instance *sagastore.Instance) error {
	sh := s.shardFor(instance.SagaID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.byID[instance.SagaID]; exists {
		return sagastore.ErrAlreadyExists
	}
	stored := instance.Clone()
	stored.Version = 1
	sh.byID[instance.SagaID] = stored
	return nil
}

func (s *Store) Update(ctx context.Context, sagaID string, expectedVersion int64, newState *sagastore.Instance) error {
	sh := s.shardFor(sagaID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.byID[sagaID]
	if !ok {
		return sagastore.ErrNotFound
	}
	if current.Version != expectedVersion {
		return sagastore.ErrStaleVersion
	}

	stored := newState.Clone()
	stored.SagaID = sagaID
	stored.Version = expectedVersion + 1
	sh.byID[sagaID] = stored
	return nil
}

func (s *Store) ByTypeAndStatus(ctx context.Context, sagaType string, status sagastore.Status) ([]*sagastore.Instance, error) {
	var out []*sagastore.Instance
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, inst := range sh.byID {
			if inst.SagaType == sagaType && inst.Status == status {
				out = append(out, inst.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

func (s *Store) ByPartner(ctx context.Context, partnerID string) ([]*sagastore.Instance, error) {
	var out []*sagastore.Instance
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, inst := range sh.byID {
			if inst.PartnerID == partnerID {
				out = append(out, inst.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

func (s *Store) ListActive(ctx context.Context) ([]*sagastore.Instance, error) {
	var out []*sagastore.Instance
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, inst := range sh.byID {
			if !inst.Status.IsTerminal() {
				out = append(out, inst.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

var _ sagastore.ISagaStore = (*Store)(nil)
