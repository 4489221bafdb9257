package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"partnersaga/audit"
	"partnersaga/envelope"
	"partnersaga/sagastore"
)

// Start implements C8's start(): creates the saga instance, arms step
// 1's timeout, emits its trigger event, and returns the assigned
// saga_id without waiting on any of the saga's own progress.
func (c *Coordinator) Start(ctx context.Context, sagaType string, initialPayload map[string]any, correlationID string) (string, error) {
	def, ok := c.defs[sagaType]
	if !ok {
		return "", &SagaError{Kind: KindFatal, Message: "unknown saga_type " + sagaType}
	}
	first := def.Steps[0]

	sagaID := uuid.NewString()
	if correlationID == "" {
		correlationID = sagaID
	}
	now := time.Now().UTC()

	inst := &sagastore.Instance{
		SagaID:         sagaID,
		SagaType:       sagaType,
		PartnerID:      partnerIDFromPayload(initialPayload),
		CorrelationID:  correlationID,
		Status:         sagastore.InProgress,
		InitialPayload: initialPayload,
		PendingStep:    &sagastore.PendingStep{Name: first.Name, StartedAt: now, Deadline: now.Add(first.Timeout)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.Create(ctx, inst); err != nil {
		return "", err
	}
	c.recordCorrelation(correlationID, sagaID)
	c.metrics.RecordStarted(sagaType)
	c.appendAudit(ctx, inst, audit.KindSagaStart, "", "", 0)
	c.appendAudit(ctx, inst, audit.KindStepStart, first.Name, first.ForwardEvent, 0)
	c.armTimeout(sagaID, 1, inst.PendingStep.Deadline)
	c.publish(ctx, first.ForwardEvent, inst, nil)

	return sagaID, nil
}

// Status implements C8's status(): the current state snapshot.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*sagastore.Instance, error) {
	return c.store.Get(ctx, sagaID)
}

// Compensate implements C8's compensate(): manual compensation request,
// valid only from InProgress and idempotent once already compensating
// or compensated.
func (c *Coordinator) Compensate(ctx context.Context, sagaID, reason string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status == sagastore.Compensating || inst.Status == sagastore.Compensated {
		return nil
	}
	if inst.Status != sagastore.InProgress {
		return &SagaError{Kind: KindFatal, SagaID: sagaID, Message: fmt.Sprintf("compensate is only valid from InProgress, saga is %s", inst.Status)}
	}

	def, ok := c.defs[inst.SagaType]
	if !ok {
		return &SagaError{Kind: KindFatal, SagaID: sagaID, Message: "unknown saga_type"}
	}
	stepIndex := 1
	if inst.PendingStep != nil {
		if idx := def.StepIndex(inst.PendingStep.Name); idx > 0 {
			stepIndex = idx
		}
	}

	plan := buildCompensationPlan(def, inst, stepIndex, "manual:"+reason)
	c.applyPlan(ctx, def, inst, &envelope.Envelope{EventType: "ManualCompensation", SagaID: sagaID, CorrelationID: inst.CorrelationID}, plan, false)
	return nil
}

// Retry re-emits the current pending step's trigger event without
// advancing saga state, for operator-driven recovery after a
// BrokerUnavailable stall (§7) left a downstream service never seeing
// the request. Grounded on the original's service-failure availability
// test (scripts/test_scenarios/availability_tests/service_failure_test.py),
// which recovers a stalled saga by restoring the failed service rather
// than by any saga-side state change — Retry is the operator-side
// equivalent when restoring the service alone isn't enough to make the
// original publish land.
func (c *Coordinator) Retry(ctx context.Context, sagaID string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return &SagaError{Kind: KindFatal, SagaID: sagaID, Message: fmt.Sprintf("retry is not valid once a saga is terminal (status=%s)", inst.Status)}
	}
	if inst.PendingStep == nil {
		return &SagaError{Kind: KindFatal, SagaID: sagaID, Message: "saga has no pending step to retry"}
	}
	def, ok := c.defs[inst.SagaType]
	if !ok {
		return &SagaError{Kind: KindFatal, SagaID: sagaID, Message: "unknown saga_type"}
	}
	stepIndex := def.StepIndex(inst.PendingStep.Name)
	if stepIndex == 0 {
		return &SagaError{Kind: KindFatal, SagaID: sagaID, Message: "pending step not found in saga definition"}
	}
	step := def.Steps[stepIndex-1]
	return c.publish(ctx, step.ForwardEvent, inst, nil)
}

// Timeline implements C8's timeline(): the durable audit reconstruction
// from C4.
func (c *Coordinator) Timeline(ctx context.Context, sagaID string) (*audit.Timeline, error) {
	return c.trail.Timeline(ctx, sagaID)
}

// ListFilters narrows List's results. HasStatus distinguishes "no status
// filter" from "filter on the zero Status value". Cursor, when non-empty,
// is a NextCursor value previously returned by List — results resume
// immediately after the saga it names.
type ListFilters struct {
	SagaType  string
	Status    sagastore.Status
	HasStatus bool
	PartnerID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Cursor    string
}

// Page is one page of List results. NextCursor is empty once the
// candidate set is exhausted.
type Page struct {
	Items      []*sagastore.Instance
	NextCursor string
}

// List implements C8's list(). Lookups route through whichever of C6's
// two secondary indexes fits the filter; with neither a saga_type+status
// nor a partner_id filter it falls back to the active-saga index, so a
// List call with only a time window matches non-terminal sagas only —
// §4.6 indexes by (saga_type, status) and partner_id, not by time.
//
// Results are sorted by (updated_at, saga_id) and paginated with an
// opaque cursor (the saga_id of the last item on the previous page),
// grounded on the original's partner-scoped paginated queries
// (api/profile_360.py, bff_web/resolvers.py) — neither page truly offset-
// based there, so a cursor keyed on the stable sort gives the same
// resume-after-last-seen semantics without depending on index position.
func (c *Coordinator) List(ctx context.Context, filters ListFilters) (*Page, error) {
	var (
		candidates []*sagastore.Instance
		err        error
	)
	switch {
	case filters.SagaType != "" && filters.HasStatus:
		candidates, err = c.store.ByTypeAndStatus(ctx, filters.SagaType, filters.Status)
	case filters.PartnerID != "":
		candidates, err = c.store.ByPartner(ctx, filters.PartnerID)
	default:
		candidates, err = c.store.ListActive(ctx)
	}
	if err != nil {
		return nil, err
	}

	matched := make([]*sagastore.Instance, 0, len(candidates))
	for _, inst := range candidates {
		if filters.SagaType != "" && inst.SagaType != filters.SagaType {
			continue
		}
		if filters.HasStatus && inst.Status != filters.Status {
			continue
		}
		if filters.PartnerID != "" && inst.PartnerID != filters.PartnerID {
			continue
		}
		if !filters.Since.IsZero() && inst.UpdatedAt.Before(filters.Since) {
			continue
		}
		if !filters.Until.IsZero() && inst.UpdatedAt.After(filters.Until) {
			continue
		}
		matched = append(matched, inst)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].SagaID < matched[j].SagaID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})

	start := 0
	if filters.Cursor != "" {
		for i, inst := range matched {
			if inst.SagaID == filters.Cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(matched) {
		return &Page{}, nil
	}
	remaining := matched[start:]

	limit := filters.Limit
	if limit <= 0 || limit > len(remaining) {
		limit = len(remaining)
	}
	page := &Page{Items: remaining[:limit]}
	if limit < len(remaining) {
		page.NextCursor = page.Items[len(page.Items)-1].SagaID
	}
	return page, nil
}

// Health is the snapshot returned by C8's health().
type Health struct {
	Status      string
	Broker      string
	StateStore  string
	ActiveSagas int
}

// Health implements C8's health(): a best-effort probe of the state
// store (via ListActive) plus the active-saga count it already needed to
// compute for List's default index. The broker adapter is not probed:
// Broker is always reported as "ok".
func (c *Coordinator) Health(ctx context.Context) Health {
	active, err := c.store.ListActive(ctx)
	storeStatus := "ok"
	if err != nil {
		storeStatus = "unavailable"
	}
	status := "ok"
	if storeStatus != "ok" {
		status = "degraded"
	}
	return Health{Status: status, Broker: "ok", StateStore: storeStatus, ActiveSagas: len(active)}
}

func partnerIDFromPayload(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload["partner_id"].(string); ok {
		return v
	}
	return ""
}
