// Package envelope defines the canonical on-the-wire event format shared
// by every service that participates in a saga: partner registration,
// contracting, document verification, campaign enablement and recruitment
// all speak this one shape, and the coordinator never accepts anything
// else off the broker.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// wireTimeLayout is the wire format mandated by the event envelope spec:
// ISO-8601 UTC with millisecond precision and a literal Z suffix.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the immutable metadata wrapper carried by every event on the
// wire. Payload is intentionally untyped: its schema is keyed by EventType
// and interpreted by the integration layer, not by the envelope itself.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	SagaID        string         `json:"saga_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Source        string         `json:"source,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// New builds an envelope with a fresh event_id and the occurred_at
// timestamp set to now. CausationID may be left empty for initiating
// events.
func New(eventType, sagaID, correlationID, causationID, source string, payload map[string]any) *Envelope {
	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SagaID:        sagaID,
		CorrelationID: correlationID,
		CausationID:   causationID,
		OccurredAt:    time.Now().UTC(),
		Source:        source,
		Payload:       payload,
	}
}

// Encode serializes the envelope to its canonical JSON wire form. It
// refuses to emit an envelope missing any of the envelope fields the wire
// format requires.
func Encode(e *Envelope) ([]byte, error) {
	if err := validateRequired(e); err != nil {
		return nil, err
	}
	aux := struct {
		EventID       string         `json:"event_id"`
		EventType     string         `json:"event_type"`
		SagaID        string         `json:"saga_id,omitempty"`
		CorrelationID string         `json:"correlation_id"`
		CausationID   string         `json:"causation_id,omitempty"`
		OccurredAt    string         `json:"occurred_at"`
		Source        string         `json:"source,omitempty"`
		Payload       map[string]any `json:"payload,omitempty"`
	}{
		EventID:       e.EventID,
		EventType:     e.EventType,
		SagaID:        e.SagaID,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		OccurredAt:    e.OccurredAt.UTC().Format(wireTimeLayout),
		Source:        e.Source,
		Payload:       e.Payload,
	}
	return json.Marshal(aux)
}

// Decode parses a wire-format envelope. It tolerates unknown fields outside
// payload (forward compatibility) but fails with a *MalformedError if a
// required envelope field is missing or occurred_at cannot be parsed.
func Decode(data []byte) (*Envelope, error) {
	var aux struct {
		EventID       string         `json:"event_id"`
		EventType     string         `json:"event_type"`
		SagaID        string         `json:"saga_id"`
		CorrelationID string         `json:"correlation_id"`
		CausationID   string         `json:"causation_id"`
		OccurredAt    string         `json:"occurred_at"`
		Source        string         `json:"source"`
		Payload       map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}

	e := &Envelope{
		EventID:       aux.EventID,
		EventType:     aux.EventType,
		SagaID:        aux.SagaID,
		CorrelationID: aux.CorrelationID,
		CausationID:   aux.CausationID,
		Source:        aux.Source,
		Payload:       aux.Payload,
	}

	if aux.OccurredAt == "" {
		return nil, &MalformedError{Reason: "occurred_at is required"}
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, aux.OccurredAt)
	if err != nil {
		return nil, &MalformedError{Reason: "occurred_at is not parseable: " + err.Error()}
	}
	e.OccurredAt = occurredAt

	if err := validateRequired(e); err != nil {
		return nil, err
	}
	return e, nil
}

func validateRequired(e *Envelope) error {
	missing := make([]string, 0, 4)
	if e.EventID == "" {
		missing = append(missing, "event_id")
	}
	if e.EventType == "" {
		missing = append(missing, "event_type")
	}
	if e.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if e.OccurredAt.IsZero() {
		missing = append(missing, "occurred_at")
	}
	if len(missing) > 0 {
		return &MalformedError{Reason: "missing required fields", Fields: missing}
	}
	return nil
}
