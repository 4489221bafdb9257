package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"partnersaga/broker"
	"partnersaga/sagastore"
)

// TestRehydrateRestoresCorrelationIndexAndRearmsTimeout is §8 S5: a
// coordinator that starts against a store already holding an in-progress
// saga (simulating a restart) recovers the correlation_id index and
// re-arms the pending step's timeout, without any event being delivered.
func TestRehydrateRestoresCorrelationIndexAndRearmsTimeout(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, map[string]any{"partner_id": "p-1"}, "corr-99")
	require.NoError(t, err)

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.NotNil(t, inst.PendingStep)

	// A fresh Coordinator over the same store stands in for the process
	// having restarted: nothing in its in-memory indexes has been
	// populated yet.
	restarted, err := New(h.c.cfg, h.store, h.trail, h.c.saglog, h.c.metrics, h.adapter, map[string]*SagaTypeDef{
		PartnerOnboardingType: PartnerOnboardingDef(),
	})
	require.NoError(t, err)
	restarted.wheel.Start()
	t.Cleanup(restarted.wheel.Stop)

	require.NoError(t, restarted.rehydrate(ctx))

	restarted.correlationMu.RLock()
	recovered, ok := restarted.correlationToSaga["corr-99"]
	restarted.correlationMu.RUnlock()
	require.True(t, ok)
	require.Equal(t, sagaID, recovered)

	restarted.timeoutMu.Lock()
	_, armed := restarted.timeouts[sagaID]
	restarted.timeoutMu.Unlock()
	require.True(t, armed)
}

// TestRehydrateSkipsTerminalSagas confirms a completed saga contributes
// nothing to the restored indexes (ListActive already excludes it).
func TestRehydrateSkipsTerminalSagas(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, nil, "")
	require.NoError(t, err)
	for _, et := range []string{
		"PartnerRegistrationCompleted", "ContractCreated", "DocumentsVerified",
		"CampaignsEnabled", "RecruitmentSetupCompleted",
	} {
		require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, et), sagaID))
	}

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, sagastore.Completed, inst.Status)

	restarted, err := New(h.c.cfg, h.store, h.trail, h.c.saglog, h.c.metrics, h.adapter, map[string]*SagaTypeDef{
		PartnerOnboardingType: PartnerOnboardingDef(),
	})
	require.NoError(t, err)
	restarted.wheel.Start()
	t.Cleanup(restarted.wheel.Stop)

	require.NoError(t, restarted.rehydrate(ctx))

	restarted.timeoutMu.Lock()
	defer restarted.timeoutMu.Unlock()
	require.Empty(t, restarted.timeouts)
}
