// Package integration is C9: the boundary between the coordinator's
// internal vocabulary (saga_id, step names, the canonical Envelope) and
// each external domain's own event schema. Because every domain in this
// system already speaks the canonical envelope wire format of §6.1,
// inbound translation is mostly decode-and-pass-through; the part that
// earns its own package is outbound enrichment, since an outgoing
// trigger or compensation event must carry the domain fields (partner_id,
// partner_data, ...) that the receiving service expects but the
// coordinator's own Instance model doesn't otherwise surface per field.
package integration

import (
	"partnersaga/envelope"
	"partnersaga/sagastore"
)

// ITranslator maps between the coordinator's internal saga state and one
// domain's external event vocabulary.
type ITranslator interface {
	// Inbound decodes a raw delivery into the canonical envelope. Most
	// translators simply call envelope.Decode; a translator exists to
	// override this when a domain's wire format diverges from §6.1.
	Inbound(data []byte) (*envelope.Envelope, error)

	// Outbound builds the payload for an outgoing trigger or compensating
	// event, filling in the domain fields the receiving service requires
	// from the saga's initial_payload.
	Outbound(eventType string, inst *sagastore.Instance) map[string]any
}

// DefaultTranslator decodes/encodes the canonical wire format unchanged
// and forwards the saga's entire initial_payload, enriched with
// partner_id, as the outgoing payload. It is the translator every saga
// type gets unless a domain needs field remapping beyond this.
type DefaultTranslator struct{}

func (DefaultTranslator) Inbound(data []byte) (*envelope.Envelope, error) {
	return envelope.Decode(data)
}

func (DefaultTranslator) Outbound(eventType string, inst *sagastore.Instance) map[string]any {
	payload := make(map[string]any, len(inst.InitialPayload)+1)
	for k, v := range inst.InitialPayload {
		payload[k] = v
	}
	payload["partner_id"] = inst.PartnerID
	return payload
}
