package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"partnersaga/broker"
	"partnersaga/sagastore"
)

// TestDispatchHappyPathCompletesAllSteps is §8 S1: every step's success
// event arrives in order and the saga reaches Completed.
func TestDispatchHappyPathCompletesAllSteps(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, map[string]any{"partner_id": "p-1"}, "")
	require.NoError(t, err)

	successEvents := []string{
		"PartnerRegistrationCompleted",
		"ContractCreated",
		"DocumentsVerified",
		"CampaignsEnabled",
		"RecruitmentSetupCompleted",
	}
	for _, et := range successEvents {
		d := h.c.dispatch(ctx, event(sagaID, et), sagaID)
		require.Equal(t, broker.Ack, d)
	}

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, sagastore.Completed, inst.Status)
	require.Len(t, inst.CompletedSteps, 5)
	require.Nil(t, inst.PendingStep)

	require.Equal(t, []string{
		"PartnerOnboardingInitiated",
		"ContractCreationRequested",
		"DocumentVerificationRequested",
		"CampaignsEnablementRequested",
		"RecruitmentSetupRequested",
		"PartnerOnboardingCompleted",
	}, h.adapter.eventTypes())

	timeline, err := h.trail.Timeline(ctx, sagaID)
	require.NoError(t, err)
	var started, completed, ended int
	for _, rec := range timeline.Records {
		switch rec.Kind {
		case "step_start":
			started++
		case "step_success":
			completed++
		case "saga_end":
			ended++
		}
	}
	require.Equal(t, 5, started, "§8 S1: 5 step_started entries")
	require.Equal(t, 5, completed, "§8 S1: 5 step_completed entries")
	require.Equal(t, 1, ended, "§8 S1: 1 saga_completed entry")
}

// TestDispatchFailureTriggersCompensation is §8 S2: a failure at step 3
// compensates the two steps that already completed, in reverse order, then
// emits the saga-level compensated event.
func TestDispatchFailureTriggersCompensation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, map[string]any{"partner_id": "p-1"}, "")
	require.NoError(t, err)

	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "PartnerRegistrationCompleted"), sagaID))
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "ContractCreated"), sagaID))
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "DocumentVerificationFailed"), sagaID))

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, sagastore.Compensated, inst.Status)
	require.Len(t, inst.FailedSteps, 1)
	require.Equal(t, "document_verification", inst.FailedSteps[0].Step)

	require.Equal(t, []string{
		"PartnerOnboardingInitiated",
		"ContractCreationRequested",
		"DocumentVerificationRequested",
		"ContractCancelled",
		"PartnerRegistrationReverted",
		"PartnerOnboardingCompensated",
	}, h.adapter.eventTypes())
}

// TestDispatchDuplicateDeliveryIsIdempotent is §8 S4: redelivering the
// same (saga_id, event_id) is a no-op the second time.
func TestDispatchDuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, nil, "")
	require.NoError(t, err)

	env := event(sagaID, "PartnerRegistrationCompleted")
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, env, sagaID))
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, env, sagaID))

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Len(t, inst.CompletedSteps, 1)

	timeline, err := h.trail.Timeline(ctx, sagaID)
	require.NoError(t, err)
	successCount := 0
	for _, rec := range timeline.Records {
		if rec.StepName == "partner_registration" && rec.DurationMS >= 0 && rec.Kind == "step_success" {
			successCount++
		}
	}
	require.Equal(t, 1, successCount)

	// ContractCreationRequested should have been published exactly once.
	requestCount := 0
	for _, et := range h.adapter.eventTypes() {
		if et == "ContractCreationRequested" {
			requestCount++
		}
	}
	require.Equal(t, 1, requestCount)
}

// TestDispatchCompensationPublishFailureLandsSagaAsFailed is §7's
// CompensationFailed: when a compensating event's publish exhausts its
// retries, the reverse walk still runs to completion, but the saga's
// terminal state is Failed rather than Compensated.
func TestDispatchCompensationPublishFailureLandsSagaAsFailed(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, map[string]any{"partner_id": "p-1"}, "")
	require.NoError(t, err)

	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "PartnerRegistrationCompleted"), sagaID))
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "ContractCreated"), sagaID))

	h.adapter.failNextPublish = true
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "DocumentVerificationFailed"), sagaID))

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, sagastore.Failed, inst.Status)

	foundCompensationFailure := false
	for _, fs := range inst.FailedSteps {
		if fs.ErrorKind == KindCompensationFailed.String() {
			foundCompensationFailure = true
		}
	}
	require.True(t, foundCompensationFailure)

	// The reverse walk still ran: the second compensating event (for the
	// step whose publish didn't fail) was still attempted, and the saga-
	// level failed event (not the compensated one) was emitted last.
	eventTypes := h.adapter.eventTypes()
	require.Equal(t, "PartnerOnboardingFailed", eventTypes[len(eventTypes)-1])
	require.NotContains(t, eventTypes, "PartnerOnboardingCompensated")
}

// TestDispatchOutOfOrderEventIsAcceptedAsUnexpected is §8 S6: a
// recognized event that does not match the current pending step is
// acknowledged (not redelivered) and does not mutate saga state.
func TestDispatchOutOfOrderEventIsAcceptedAsUnexpected(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, nil, "")
	require.NoError(t, err)
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "PartnerRegistrationCompleted"), sagaID))

	before, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)

	// A duplicate/reordered success event for the already-completed step.
	d := h.c.dispatch(ctx, event(sagaID, "PartnerRegistrationCompleted"), sagaID)
	require.Equal(t, broker.Ack, d)

	after, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
}

// TestDispatchUnknownEventTypeIsDeadLettered is §7's unknown-event-type
// outcome: an event_type this saga type never declares is dead-lettered.
func TestDispatchUnknownEventTypeIsDeadLettered(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, nil, "")
	require.NoError(t, err)

	d := h.c.dispatch(ctx, event(sagaID, "SomeUnrelatedEvent"), sagaID)
	require.Equal(t, broker.DeadLetter, d)
}

// TestDispatchUnknownSagaIsAcked covers the "event for a saga this
// coordinator doesn't own" branch (§4.7 step 3).
func TestDispatchUnknownSagaIsAcked(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	d := h.c.dispatch(ctx, event("does-not-exist", "PartnerRegistrationCompleted"), "does-not-exist")
	require.Equal(t, broker.Ack, d)
}

// TestDispatchTimeoutTriggersCompensation is §8 S3: a fired timeout for
// the pending step synthesizes a compensation pass.
func TestDispatchTimeoutTriggersCompensation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, nil, "")
	require.NoError(t, err)
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "PartnerRegistrationCompleted"), sagaID))

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, "contract_creation", inst.PendingStep.Name)

	h.c.dispatchTimeout(ctx, sagaID, inst.Version)

	after, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, sagastore.Compensated, after.Status)
	require.Equal(t, "contract_creation", after.FailedSteps[0].Step)
	require.Equal(t, "step_timeout", after.FailedSteps[0].ErrorKind)

	timeline, err := h.trail.Timeline(ctx, sagaID)
	require.NoError(t, err)
	foundTimeoutFired := false
	for _, rec := range timeline.Records {
		if rec.Kind == "timeout_fired" && rec.StepName == "contract_creation" {
			foundTimeoutFired = true
		}
		require.NotEqual(t, "step_failure", rec.Kind, "a timeout must not be recorded as a business step_failure")
	}
	require.True(t, foundTimeoutFired, "§8 S3: audit timeline shows timeout_fired for contract_creation")
}

// TestDispatchTimeoutDropsWhenVersionHasMovedOn checks §4.7's "if the saga
// is still in that step (version check), otherwise drop silently".
func TestDispatchTimeoutDropsWhenVersionHasMovedOn(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sagaID, err := h.c.Start(ctx, PartnerOnboardingType, nil, "")
	require.NoError(t, err)

	inst, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	armedVersion := inst.Version

	// The real event arrives and advances the saga before the stale timer
	// (armed against the old version) fires.
	require.Equal(t, broker.Ack, h.c.dispatch(ctx, event(sagaID, "PartnerRegistrationCompleted"), sagaID))

	h.c.dispatchTimeout(ctx, sagaID, armedVersion)

	after, err := h.store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, sagastore.InProgress, after.Status)
	require.Equal(t, "contract_creation", after.PendingStep.Name)
}
