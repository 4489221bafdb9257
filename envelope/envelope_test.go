package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := New("PartnerRegistrationCompleted", "saga-1", "corr-1", "", "partner-service", map[string]any{
		"partner_id": "p-1",
	})

	data, err := Encode(e)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, e.EventID, decoded.EventID)
	require.Equal(t, e.EventType, decoded.EventType)
	require.Equal(t, e.SagaID, decoded.SagaID)
	require.Equal(t, e.CorrelationID, decoded.CorrelationID)
	require.WithinDuration(t, e.OccurredAt, decoded.OccurredAt, time.Millisecond)
	require.Equal(t, e.Payload["partner_id"], decoded.Payload["partner_id"])
}

func TestEncodeRejectsMissingFields(t *testing.T) {
	_, err := Encode(&Envelope{EventType: "X"})
	require.Error(t, err)
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
}

func TestDecodeRejectsMissingOccurredAt(t *testing.T) {
	_, err := Decode([]byte(`{"event_id":"e1","event_type":"X","correlation_id":"c1"}`))
	require.Error(t, err)
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"event_id": "e1",
		"event_type": "PartnerRegistrationCompleted",
		"correlation_id": "c1",
		"occurred_at": "2026-01-01T00:00:00.000Z",
		"unexpected_field": "ignored",
		"payload": {"partner_id": "p-1", "extra": true}
	}`)
	e, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "p-1", e.Payload["partner_id"])
}

func TestDecodeRejectsUnparseableOccurredAt(t *testing.T) {
	raw := []byte(`{"event_id":"e1","event_type":"X","correlation_id":"c1","occurred_at":"not-a-time"}`)
	_, err := Decode(raw)
	require.Error(t, err)
}
