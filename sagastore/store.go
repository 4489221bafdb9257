package sagastore

import "context"

// ISagaStore is the coordinator's sole view of saga state. Update
// enforces optimistic concurrency: it succeeds only if the stored
// version still equals expectedVersion, atomically bumping it by one.
type ISagaStore interface {
	// Get returns the current instance for sagaID, or ErrNotFound.
	Get(ctx context.Context, sagaID string) (*Instance, error)

	// Create inserts a brand-new instance at version 1. Returns
	// ErrAlreadyExists if sagaID is already present.
	Create(ctx context.Context, instance *Instance) error

	// Update replaces the stored instance if its version equals
	// expectedVersion, else returns ErrStaleVersion. newState.Version is
	// ignored; the store assigns expectedVersion+1.
	Update(ctx context.Context, sagaID string, expectedVersion int64, newState *Instance) error

	// ByTypeAndStatus lists instances of sagaType currently in status.
	ByTypeAndStatus(ctx context.Context, sagaType string, status Status) ([]*Instance, error)

	// ByPartner lists every instance associated with partnerID.
	ByPartner(ctx context.Context, partnerID string) ([]*Instance, error)

	// ListActive returns every non-terminal instance, for startup
	// rehydration of pending-step timeouts.
	ListActive(ctx context.Context) ([]*Instance, error)
}
