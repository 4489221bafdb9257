package coordinator

import "time"

// StepDef is the static description of one saga step (§4.7's "Step
// Definition"): the event it emits to trigger the step, the events that
// count as success or failure, its compensating event, and its timeout.
type StepDef struct {
	Name              string
	ForwardEvent      string
	SuccessEvents     []string
	FailureEvents     []string
	CompensatingEvent string // empty means no-op compensation
	Timeout           time.Duration
}

// matchesSuccess reports whether eventType is one of this step's expected
// success events.
func (d StepDef) matchesSuccess(eventType string) bool {
	return contains(d.SuccessEvents, eventType)
}

// matchesFailure reports whether eventType is one of this step's expected
// failure events.
func (d StepDef) matchesFailure(eventType string) bool {
	return contains(d.FailureEvents, eventType)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// SagaTypeDef is the static, ordered step list for one saga type, plus
// the saga-level events emitted on completion/compensation.
type SagaTypeDef struct {
	Name             string
	Steps            []StepDef
	CompletionEvent  string // emitted to saga-events on Completed
	CompensatedEvent string // emitted to saga-events on Compensated
	FailedEvent      string // emitted to saga-events on Failed
}

// StepAt returns the step definition at the given 1-based index, or false
// if out of range.
func (d *SagaTypeDef) StepAt(index int) (StepDef, bool) {
	if index < 1 || index > len(d.Steps) {
		return StepDef{}, false
	}
	return d.Steps[index-1], true
}

// StepIndex returns the 1-based index of the step with the given name, or
// 0 if not found.
func (d *SagaTypeDef) StepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i + 1
		}
	}
	return 0
}

// PartnerOnboardingType is the spec's reference saga type (§4.7): the five
// steps that drive a new partner from registration through recruitment
// setup, one broker event pair per step.
const PartnerOnboardingType = "partner_onboarding"

// PartnerOnboardingDef returns the canonical step table for partner
// onboarding.
func PartnerOnboardingDef() *SagaTypeDef {
	return &SagaTypeDef{
		Name: PartnerOnboardingType,
		Steps: []StepDef{
			{
				Name:              "partner_registration",
				ForwardEvent:      "PartnerOnboardingInitiated",
				SuccessEvents:     []string{"PartnerRegistrationCompleted"},
				FailureEvents:     []string{"PartnerRegistrationFailed"},
				CompensatingEvent: "PartnerRegistrationReverted",
				Timeout:           30 * time.Second,
			},
			{
				Name:              "contract_creation",
				ForwardEvent:      "ContractCreationRequested",
				SuccessEvents:     []string{"ContractCreated"},
				FailureEvents:     []string{"ContractCreationFailed"},
				CompensatingEvent: "ContractCancelled",
				Timeout:           30 * time.Second,
			},
			{
				Name:              "document_verification",
				ForwardEvent:      "DocumentVerificationRequested",
				SuccessEvents:     []string{"DocumentsVerified"},
				FailureEvents:     []string{"DocumentVerificationFailed"},
				CompensatingEvent: "DocumentsInvalidated",
				Timeout:           60 * time.Second,
			},
			{
				Name:              "campaign_enablement",
				ForwardEvent:      "CampaignsEnablementRequested",
				SuccessEvents:     []string{"CampaignsEnabled"},
				FailureEvents:     []string{"CampaignsEnablementFailed"},
				CompensatingEvent: "CampaignsDisabled",
				Timeout:           30 * time.Second,
			},
			{
				Name:              "recruitment_setup",
				ForwardEvent:      "RecruitmentSetupRequested",
				SuccessEvents:     []string{"RecruitmentSetupCompleted"},
				FailureEvents:     []string{"RecruitmentSetupFailed"},
				CompensatingEvent: "RecruitmentTornDown",
				Timeout:           30 * time.Second,
			},
		},
		CompletionEvent:  "PartnerOnboardingCompleted",
		CompensatedEvent: "PartnerOnboardingCompensated",
		FailedEvent:      "PartnerOnboardingFailed",
	}
}
