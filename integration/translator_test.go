package integration

import (
	"testing"

	"github.com/stretchr/testify/require"

	"partnersaga/envelope"
	"partnersaga/sagastore"
)

func TestDefaultTranslatorInboundDecodesCanonicalEnvelope(t *testing.T) {
	e := envelope.New("PartnerRegistrationCompleted", "saga-1", "corr-1", "", "partner-service", map[string]any{"partner_id": "p-1"})
	data, err := envelope.Encode(e)
	require.NoError(t, err)

	decoded, err := DefaultTranslator{}.Inbound(data)
	require.NoError(t, err)
	require.Equal(t, e.EventType, decoded.EventType)
}

func TestDefaultTranslatorOutboundForwardsInitialPayloadAndPartnerID(t *testing.T) {
	inst := &sagastore.Instance{
		SagaID:         "saga-1",
		PartnerID:      "p-1",
		InitialPayload: map[string]any{"region": "us-east"},
	}

	payload := DefaultTranslator{}.Outbound("ContractCreationRequested", inst)
	require.Equal(t, "us-east", payload["region"])
	require.Equal(t, "p-1", payload["partner_id"])
}

func TestPartnerOnboardingTranslatorOutboundBuildsPartnerDataBlock(t *testing.T) {
	inst := &sagastore.Instance{
		SagaID:         "saga-1",
		PartnerID:      "p-1",
		InitialPayload: map[string]any{"region": "us-east", "tier": "gold"},
	}

	payload := PartnerOnboardingTranslator{}.Outbound("ContractCreationRequested", inst)
	require.Equal(t, "p-1", payload["partner_id"])

	partnerData, ok := payload["partner_data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "us-east", partnerData["region"])
	require.Equal(t, "gold", partnerData["tier"])

	// Mutating the returned map must not alias the saga's own payload.
	partnerData["region"] = "mutated"
	require.Equal(t, "us-east", inst.InitialPayload["region"])
}

func TestPartnerOnboardingTranslatorInboundDecodesCanonicalEnvelope(t *testing.T) {
	e := envelope.New("DocumentVerificationFailed", "saga-1", "corr-1", "", "document-service", nil)
	data, err := envelope.Encode(e)
	require.NoError(t, err)

	decoded, err := PartnerOnboardingTranslator{}.Inbound(data)
	require.NoError(t, err)
	require.Equal(t, "saga-1", decoded.SagaID)
}
