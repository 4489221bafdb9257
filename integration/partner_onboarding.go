package integration

import (
	"partnersaga/envelope"
	"partnersaga/sagastore"
)

// PartnerOnboardingTranslator enriches outgoing partner-onboarding
// trigger/compensation events with the partner_data block every
// downstream service (registration, contracting, documents, campaigns,
// recruitment) expects, sourced from the saga's initial_payload.
type PartnerOnboardingTranslator struct{}

func (PartnerOnboardingTranslator) Inbound(data []byte) (*envelope.Envelope, error) {
	return envelope.Decode(data)
}

func (PartnerOnboardingTranslator) Outbound(eventType string, inst *sagastore.Instance) map[string]any {
	partnerData := make(map[string]any, len(inst.InitialPayload))
	for k, v := range inst.InitialPayload {
		partnerData[k] = v
	}
	return map[string]any{
		"partner_id":   inst.PartnerID,
		"partner_data": partnerData,
	}
}
