package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"partnersaga/audit"
	"partnersaga/broker"
	"partnersaga/envelope"
	"partnersaga/logging"
	"partnersaga/sagalog"
	"partnersaga/sagastore"
)

// dispatch runs one envelope through §4.7's event-dispatch algorithm
// (steps 2-9; step 1, envelope decode, already happened in the broker
// transport before Handle was called). It always returns a Disposition;
// it never panics and never blocks on broker I/O beyond a single publish
// attempt's own bounded retry.
func (c *Coordinator) dispatch(ctx context.Context, env *envelope.Envelope, sagaID string) broker.Disposition {
	if sagaID == "" {
		c.saglog.Append(sagalog.Entry{
			Level:   sagalog.Debug,
			Kind:    sagalog.KindGeneral,
			Message: "event references no known saga, ignored",
			Fields:  map[string]any{"event_type": env.EventType, "correlation_id": env.CorrelationID},
		})
		return broker.Ack
	}

	if c.idempotency.SeenAndRecord(sagaID, env.EventID) {
		return broker.Ack
	}

	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, sagastore.ErrNotFound) {
			c.saglog.Append(sagalog.Entry{
				Level: sagalog.Debug, Kind: sagalog.KindGeneral, SagaID: sagaID,
				Message: "event for saga not owned by this coordinator",
				Fields:  map[string]any{"event_type": env.EventType},
			})
			return broker.Ack
		}
		c.logger.Error(ctx, "saga store unavailable", logging.Error(err), logging.String("saga_id", sagaID))
		return broker.Nack
	}

	def, ok := c.defs[inst.SagaType]
	if !ok {
		c.saglog.Append(sagalog.Entry{
			Level: sagalog.Error, Kind: sagalog.KindGeneral, SagaID: sagaID,
			Message: "saga has no registered saga_type definition",
			Fields:  map[string]any{"saga_type": inst.SagaType},
		})
		return broker.DeadLetter
	}

	if inst.Status.IsTerminal() {
		c.saglog.Append(sagalog.Entry{
			Level: sagalog.Debug, Kind: sagalog.KindGeneral, SagaID: sagaID,
			Message: "event for terminal saga ignored",
			Fields:  map[string]any{"event_type": env.EventType, "status": string(inst.Status)},
		})
		return broker.Ack
	}

	plan := planTransition(def, inst, env.EventType, false)
	return c.applyPlan(ctx, def, inst, env, plan, false)
}

// applyPlan handles outcomes that don't require persistence immediately
// (planUnexpected/planUnknownEvent), then drives the optimistic-
// concurrency retry loop for outcomes that do.
func (c *Coordinator) applyPlan(ctx context.Context, def *SagaTypeDef, inst *sagastore.Instance, env *envelope.Envelope, plan transitionPlan, isTimeout bool) broker.Disposition {
	switch plan.outcome {
	case planUnexpected:
		c.saglog.Append(sagalog.Entry{
			Level: sagalog.Warn, Kind: sagalog.KindGeneral, SagaID: inst.SagaID,
			Message: "unexpected transition: event does not match current step",
			Fields:  map[string]any{"event_type": env.EventType, "pending_step": pendingStepName(inst)},
		})
		c.appendAudit(ctx, inst, audit.KindEventIn, "", env.EventType, 0)
		return broker.Ack
	case planUnknownEvent:
		c.saglog.Append(sagalog.Entry{
			Level: sagalog.Error, Kind: sagalog.KindGeneral, SagaID: inst.SagaID,
			Message: "event_type unknown to this saga type",
			Fields:  map[string]any{"event_type": env.EventType},
		})
		return broker.DeadLetter
	}

	sagaID := inst.SagaID
	expectedVersion := inst.Version
	newInst := plan.newInstance

	var persistErr error
	for attempt := 0; attempt <= c.cfg.StaleVersionRetries; attempt++ {
		persistErr = c.store.Update(ctx, sagaID, expectedVersion, newInst)
		if persistErr == nil {
			break
		}
		if !errors.Is(persistErr, sagastore.ErrStaleVersion) {
			break
		}
		reloaded, getErr := c.store.Get(ctx, sagaID)
		if getErr != nil {
			persistErr = getErr
			break
		}
		inst = reloaded
		plan = planTransition(def, inst, env.EventType, isTimeout)
		if plan.outcome != planAdvance && plan.outcome != planCompensate {
			// Concurrent update already moved the saga past this input;
			// re-evaluate as the (now current) non-persisting outcome.
			return c.applyPlan(ctx, def, inst, env, plan, isTimeout)
		}
		newInst = plan.newInstance
		expectedVersion = inst.Version
	}

	if persistErr != nil {
		if errors.Is(persistErr, sagastore.ErrStaleVersion) {
			c.logger.Error(ctx, "stale version retries exhausted", logging.String("saga_id", sagaID))
			return broker.Nack
		}
		c.logger.Error(ctx, "saga store update failed", logging.Error(persistErr), logging.String("saga_id", sagaID))
		return broker.Nack
	}

	// store.Update persists newInst at expectedVersion+1 but returns no
	// updated copy; newInst.Version still holds the pre-persist value,
	// which would otherwise arm timeouts against a version that will
	// never compare equal once this transition actually lands.
	newInst.Version = expectedVersion + 1

	c.afterPersist(ctx, def, newInst, env, plan, isTimeout)
	return broker.Ack
}

// afterPersist runs §4.7 steps 7-8: audit, metrics, outgoing publish,
// timeout rescheduling. It runs only once persistence has succeeded, so
// a crash before this point simply redelivers the same input.
func (c *Coordinator) afterPersist(ctx context.Context, def *SagaTypeDef, newInst *sagastore.Instance, env *envelope.Envelope, plan transitionPlan, isTimeout bool) {
	sagaID := newInst.SagaID

	c.cancelTimeout(sagaID)

	switch plan.outcome {
	case planAdvance:
		c.appendAudit(ctx, newInst, audit.KindStepSuccess, plan.completedStepName, env.EventType, plan.stepDuration.Milliseconds())
		c.metrics.RecordStep(def.Name, plan.completedStepName, plan.stepDuration, true)

		if plan.sagaCompleted {
			c.appendAudit(ctx, newInst, audit.KindSagaEnd, "", def.CompletionEvent, 0)
			c.metrics.RecordCompleted(def.Name)
			c.publish(ctx, def.CompletionEvent, newInst, nil)
			c.invokeOnTerminal(ctx, newInst)
			return
		}

		c.publish(ctx, plan.forwardEventType, newInst, nil)
		if newInst.PendingStep != nil {
			c.appendAudit(ctx, newInst, audit.KindStepStart, newInst.PendingStep.Name, plan.forwardEventType, 0)
			c.armTimeout(sagaID, newInst.Version, newInst.PendingStep.Deadline)
		}

	case planCompensate:
		kind := audit.KindStepFailure
		if isTimeout {
			kind = audit.KindTimeout
			c.metrics.RecordTimedOut(def.Name)
			c.saglog.Append(sagalog.Entry{
				Level: sagalog.Warn, Kind: sagalog.KindTimeout, SagaID: newInst.SagaID,
				Message: "step timeout fired, compensation triggered",
				Fields:  map[string]any{"step": plan.failedStepName},
			})
		}
		c.appendAudit(ctx, newInst, kind, plan.failedStepName, env.EventType, 0)

		// §7 CompensationFailed: a compensation publish exhausting its
		// retries doesn't stop the reverse walk — every remaining step
		// still gets its compensating event attempted — but it downgrades
		// the saga's terminal state from Compensated to Failed.
		compensationFailed := false
		for i, eventType := range plan.compensationEvents {
			if err := c.publish(ctx, eventType, newInst, nil); err != nil {
				compensationFailed = true
				newInst.FailedSteps = append(newInst.FailedSteps, sagastore.FailedStep{
					Step:      plan.compensationStepName[i],
					ErrorKind: KindCompensationFailed.String(),
					Message:   err.Error(),
					At:        time.Now().UTC(),
				})
				c.appendAudit(ctx, newInst, audit.KindStepFailure, plan.compensationStepName[i], eventType, 0)
				continue
			}
			c.appendAudit(ctx, newInst, audit.KindEventOut, plan.compensationStepName[i], eventType, 0)
		}

		if compensationFailed {
			newInst.Status = sagastore.Failed
			if err := c.store.Update(ctx, sagaID, newInst.Version, newInst); err != nil {
				c.logger.Error(ctx, "failed to persist compensation-failed status", logging.Error(err), logging.String("saga_id", sagaID))
			} else {
				newInst.Version++
			}
			c.appendAudit(ctx, newInst, audit.KindSagaEnd, "", def.FailedEvent, 0)
			c.metrics.RecordFailed(def.Name)
			c.publish(ctx, def.FailedEvent, newInst, nil)
			c.invokeOnTerminal(ctx, newInst)
			return
		}

		c.appendAudit(ctx, newInst, audit.KindSagaEnd, "", def.CompensatedEvent, 0)
		c.metrics.RecordCompensated(def.Name)
		c.publish(ctx, def.CompensatedEvent, newInst, nil)
		c.invokeOnTerminal(ctx, newInst)
	}
}

func (c *Coordinator) invokeOnTerminal(ctx context.Context, inst *sagastore.Instance) {
	if c.cfg.OnTerminal != nil {
		c.cfg.OnTerminal(ctx, inst.Clone())
	}
}

func pendingStepName(inst *sagastore.Instance) string {
	if inst.PendingStep == nil {
		return ""
	}
	return inst.PendingStep.Name
}

// publish resolves eventType's topic and emits a fresh envelope carrying
// it, correlated to inst. Publish failures exhaust broker.IAdapter's own
// retry policy; a failure here is BrokerUnavailable (§7): logged at
// Error severity (sagalog has no Critical level) and left for operator
// intervention or the next
// incoming event to retry, per §4.7's failure semantics. The error is
// still returned so a caller that must react to it (compensation, see
// KindCompensationFailed below) can.
func (c *Coordinator) publish(ctx context.Context, eventType string, inst *sagastore.Instance, payload map[string]any) error {
	topic, ok := broker.TopicForEventType(c.cfg.TopicMap, eventType)
	if !ok {
		c.logger.Error(ctx, "no topic mapping for event_type", logging.String("event_type", eventType))
		return fmt.Errorf("coordinator: no topic mapping for event_type %s", eventType)
	}
	if payload == nil {
		payload = c.translatorFor(inst.SagaType).Outbound(eventType, inst)
	}
	out := envelope.New(eventType, inst.SagaID, inst.CorrelationID, "", c.cfg.Source, payload)
	if err := c.adapter.Publish(ctx, topic, out); err != nil {
		c.saglog.Append(sagalog.Entry{
			Level: sagalog.Error, Kind: sagalog.KindDispatch, SagaID: inst.SagaID,
			Message: "publish exhausted retries, saga left at current step",
			Fields:  map[string]any{"event_type": eventType, "error": err.Error()},
		})
		c.logger.Error(ctx, "broker unavailable publishing outgoing event",
			logging.String("saga_id", inst.SagaID), logging.String("event_type", eventType), logging.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) appendAudit(ctx context.Context, inst *sagastore.Instance, kind audit.Kind, stepName, eventType string, durationMS int64) {
	if _, err := c.trail.Append(ctx, audit.Record{
		SagaID:     inst.SagaID,
		PartnerID:  inst.PartnerID,
		Kind:       kind,
		StepName:   stepName,
		EventType:  eventType,
		DurationMS: durationMS,
		At:         time.Now().UTC(),
	}); err != nil {
		c.logger.Error(ctx, "audit append failed", logging.Error(err), logging.String("saga_id", inst.SagaID))
	}
}

// armTimeout schedules a StepTimeout input for sagaID's current pending
// step. version pins the check at fire time (§4.7's timing wheel note:
// "if the saga is still in that step (version check), synthesize a
// timeout input ... otherwise drop silently").
func (c *Coordinator) armTimeout(sagaID string, version int64, deadline time.Time) {
	id := c.wheel.Schedule(deadline, func() { c.onTimeout(sagaID, version) })
	c.timeoutMu.Lock()
	c.timeouts[sagaID] = id
	c.timeoutMu.Unlock()
}

func (c *Coordinator) cancelTimeout(sagaID string) {
	c.timeoutMu.Lock()
	id, ok := c.timeouts[sagaID]
	delete(c.timeouts, sagaID)
	c.timeoutMu.Unlock()
	if ok {
		c.wheel.Cancel(id)
	}
}

// onTimeout fires on the timing wheel's own goroutine; it only does
// cheap routing work (hash to worker, enqueue) and never blocks.
func (c *Coordinator) onTimeout(sagaID string, armedVersion int64) {
	idx := hashToWorker(sagaID, len(c.workers))
	item := workItem{ctx: context.Background(), sagaID: sagaID, isTimeout: true, armedVersion: armedVersion}

	select {
	case c.workers[idx] <- item:
	default:
		// Worker queue is saturated; the wheel must not block. The step
		// remains pending and will be retried by the next real event or
		// operator intervention, consistent with BrokerUnavailable handling.
	}
}

// dispatchTimeout handles a fired timeout: if the saga has moved on
// (version mismatch, or already terminal) since the timeout was armed,
// it is dropped silently per §4.7's timing wheel note.
func (c *Coordinator) dispatchTimeout(ctx context.Context, sagaID string, armedVersion int64) {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return
	}
	if inst.Status.IsTerminal() || inst.Version != armedVersion {
		return
	}
	def, ok := c.defs[inst.SagaType]
	if !ok {
		return
	}
	plan := planTransition(def, inst, "StepTimeout", true)
	c.applyPlan(ctx, def, inst, &envelope.Envelope{EventType: "StepTimeout", SagaID: sagaID, CorrelationID: inst.CorrelationID}, plan, true)
}
