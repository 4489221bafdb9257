package coordinator

import (
	"time"

	"partnersaga/sagastore"
)

// planOutcome classifies what an incoming input means for the saga's
// current step, per §4.7 step 5.
type planOutcome int

const (
	planUnexpected  planOutcome = iota // recognized event, wrong step: late/duplicate-ish, Warn+Ack
	planUnknownEvent                   // event_type this saga type never declares: Error+DeadLetter
	planAdvance                        // success event matched: advance to next step or Completed
	planCompensate                     // failure event or timeout matched: enter/continue compensation
)

// transitionPlan is the pure computation of "what should happen", kept
// separate from persistence so the optimistic-concurrency retry loop in
// dispatch.go can recompute it against freshly reloaded state without
// duplicating this logic.
type transitionPlan struct {
	outcome     planOutcome
	newInstance *sagastore.Instance

	// planAdvance fields
	completedStepName string
	stepDuration      time.Duration
	forwardEventType  string // non-empty: emit to trigger the next step
	sagaCompleted     bool   // true: emit def.CompletionEvent instead of a forward event

	// planCompensate fields: the reverse-walk is fully computed here so
	// that publishing can happen after a single successful persist.
	failedStepName       string
	failErrorKind        string
	compensationEvents   []string // compensating events to emit, in reverse-completion order
	compensationStepName []string // parallel slice: which step each event compensates
	terminalStatus       sagastore.Status
}

// planTransition computes the effect of eventType (or a timeout, when
// isTimeout is true) against inst's current pending step, without
// mutating inst.
func planTransition(def *SagaTypeDef, inst *sagastore.Instance, eventType string, isTimeout bool) transitionPlan {
	if inst.PendingStep == nil {
		return transitionPlan{outcome: planUnexpected}
	}
	stepIndex := def.StepIndex(inst.PendingStep.Name)
	if stepIndex == 0 {
		return transitionPlan{outcome: planUnexpected}
	}
	step := def.Steps[stepIndex-1]

	if isTimeout {
		return buildCompensationPlan(def, inst, stepIndex, "step_timeout")
	}

	switch {
	case step.matchesSuccess(eventType):
		return buildAdvancePlan(def, inst, stepIndex)
	case step.matchesFailure(eventType):
		return buildCompensationPlan(def, inst, stepIndex, "business_failure")
	default:
		// Recognized saga-relevant event_type but not one this step is
		// waiting on right now (e.g. reordered delivery, a duplicate from a
		// step already completed). §4.7 step 5 / §8 S6.
		if isKnownEventType(def, eventType) {
			return transitionPlan{outcome: planUnexpected}
		}
		return transitionPlan{outcome: planUnknownEvent}
	}
}

func isKnownEventType(def *SagaTypeDef, eventType string) bool {
	if eventType == def.CompletionEvent || eventType == def.CompensatedEvent || eventType == def.FailedEvent {
		return true
	}
	for _, s := range def.Steps {
		if s.matchesSuccess(eventType) || s.matchesFailure(eventType) || s.ForwardEvent == eventType || s.CompensatingEvent == eventType {
			return true
		}
	}
	return false
}

// buildAdvancePlan handles a success event for the current step: either
// the next step starts, or (if this was the last step) the saga
// completes.
func buildAdvancePlan(def *SagaTypeDef, inst *sagastore.Instance, stepIndex int) transitionPlan {
	step := def.Steps[stepIndex-1]
	now := time.Now().UTC()

	newInst := inst.Clone()
	startedAt := now
	if inst.PendingStep != nil && !inst.PendingStep.StartedAt.IsZero() {
		startedAt = inst.PendingStep.StartedAt
	}
	newInst.CompletedSteps = append(newInst.CompletedSteps, sagastore.CompletedStep{
		Name:      step.Name,
		StartedAt: startedAt,
		EndedAt:   now,
		Outcome:   "success",
	})
	newInst.UpdatedAt = now

	plan := transitionPlan{
		outcome:           planAdvance,
		newInstance:       newInst,
		completedStepName: step.Name,
		stepDuration:      now.Sub(startedAt),
	}

	if next, ok := def.StepAt(stepIndex + 1); ok {
		newInst.Status = sagastore.InProgress
		newInst.PendingStep = &sagastore.PendingStep{Name: next.Name, StartedAt: now, Deadline: now.Add(next.Timeout)}
		plan.forwardEventType = next.ForwardEvent
		return plan
	}

	newInst.Status = sagastore.Completed
	newInst.PendingStep = nil
	plan.sagaCompleted = true
	return plan
}

// buildCompensationPlan handles a failure event or a timeout for the
// current step: per §4.7's worked examples (S2/S3), the entire reverse
// walk over completed_steps is computed in one pass rather than waiting
// for asynchronous per-step acks — see DESIGN.md's "compensation driver"
// note for why.
func buildCompensationPlan(def *SagaTypeDef, inst *sagastore.Instance, failedStepIndex int, failKind string) transitionPlan {
	failedStep := def.Steps[failedStepIndex-1]
	now := time.Now().UTC()

	newInst := inst.Clone()
	newInst.FailedSteps = append(newInst.FailedSteps, sagastore.FailedStep{
		Step:      failedStep.Name,
		ErrorKind: failKind,
		Message:   failKind + " on step " + failedStep.Name,
		At:        now,
	})
	newInst.Status = sagastore.Compensating
	newInst.PendingStep = nil
	newInst.UpdatedAt = now

	var events []string
	var names []string
	for i := len(newInst.CompletedSteps) - 1; i >= 0; i-- {
		cs := newInst.CompletedSteps[i]
		idx := def.StepIndex(cs.Name)
		if idx == 0 {
			continue
		}
		sd := def.Steps[idx-1]
		if sd.CompensatingEvent == "" {
			continue
		}
		events = append(events, sd.CompensatingEvent)
		names = append(names, sd.Name)
	}

	newInst.Status = sagastore.Compensated

	return transitionPlan{
		outcome:              planCompensate,
		newInstance:          newInst,
		failedStepName:       failedStep.Name,
		failErrorKind:        failKind,
		compensationEvents:   events,
		compensationStepName: names,
		terminalStatus:       sagastore.Compensated,
	}
}
