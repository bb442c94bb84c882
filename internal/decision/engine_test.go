package decision

import (
	"reflect"
	"testing"

	"github.com/davidahmann/arcana/pkg/types"
)

func basePolicy() types.PolicyFields {
	return types.PolicyFields{
		ReturnWindowDays: 30,
		AllowedChannels:  []string{"mail_in"},
		Evidence:         []string{"photo_packaging"},
		Exclusions:       []string{"gift_cards", "SKU-FINAL"},
	}
}

func TestEvaluateApprove(t *testing.T) {
	res := Evaluate(Input{
		RiskFactors:   []string{"new_device"},
		Items:         []types.ReturnItem{{SKU: "A", Qty: 1, PriceCents: 100}},
		EvidenceTypes: []string{"photo_packaging"},
		Policy:        basePolicy(),
	})
	if res.Outcome != types.OutcomeApprove {
		t.Fatalf("expected approve, got %s (%v)", res.Outcome, res.Explanations)
	}
	if res.RiskScore != 0.2 {
		t.Fatalf("expected risk 0.2, got %v", res.RiskScore)
	}
	if !reflect.DeepEqual(res.Explanations, []string{"within return window"}) {
		t.Fatalf("unexpected explanations: %v", res.Explanations)
	}
}

func TestEvaluateStepUpOnMissingEvidence(t *testing.T) {
	res := Evaluate(Input{
		RiskFactors: []string{"a", "b", "c", "d"},
		Items:       []types.ReturnItem{{SKU: "A", Qty: 1, PriceCents: 100}},
		Policy:      basePolicy(),
	})
	if res.Outcome != types.OutcomeStepUp {
		t.Fatalf("expected step_up, got %s", res.Outcome)
	}
	want := []string{"within return window", "missing evidence: photo_packaging, photo_item"}
	if !reflect.DeepEqual(res.Explanations, want) {
		t.Fatalf("unexpected explanations: %v", res.Explanations)
	}
	if !reflect.DeepEqual(res.StepUpRequirements, []string{"photo_packaging", "photo_item"}) {
		t.Fatalf("unexpected requirements: %v", res.StepUpRequirements)
	}
}

func TestEvaluateStepUpOnRiskFactors(t *testing.T) {
	res := Evaluate(Input{
		RiskFactors:   []string{"a", "b", "c"},
		Items:         []types.ReturnItem{{SKU: "A", Qty: 1, PriceCents: 100}},
		EvidenceTypes: []string{"photo_packaging"},
		Policy:        basePolicy(),
	})
	if res.Outcome != types.OutcomeStepUp {
		t.Fatalf("expected step_up, got %s", res.Outcome)
	}
	if res.Explanations[len(res.Explanations)-1] != "high risk factors detected" {
		t.Fatalf("unexpected explanations: %v", res.Explanations)
	}
	if len(res.StepUpRequirements) != 0 {
		t.Fatalf("expected no requirements, got %v", res.StepUpRequirements)
	}
}

func TestEvaluateDenyOnExclusion(t *testing.T) {
	res := Evaluate(Input{
		Items: []types.ReturnItem{
			{SKU: "SKU-FINAL", Qty: 1, PriceCents: 100},
			{SKU: "B", Qty: 1, PriceCents: 100, ItemClass: "gift_cards"},
		},
		EvidenceTypes: []string{"photo_packaging"},
		Policy:        basePolicy(),
	})
	if res.Outcome != types.OutcomeDeny {
		t.Fatalf("expected deny, got %s", res.Outcome)
	}
	want := []string{"within return window", "excluded item: SKU-FINAL", "excluded item: gift_cards"}
	if !reflect.DeepEqual(res.Explanations, want) {
		t.Fatalf("unexpected explanations: %v", res.Explanations)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	in := Input{
		RiskFactors:   []string{"new_device", "instant_refund_request"},
		Items:         []types.ReturnItem{{SKU: "A", Qty: 1, PriceCents: 100}},
		EvidenceTypes: []string{"photo_packaging"},
		Policy:        basePolicy(),
	}
	if !reflect.DeepEqual(Evaluate(in), Evaluate(in)) {
		t.Fatalf("evaluate is not deterministic")
	}
}
