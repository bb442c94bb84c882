package decision

import (
	"slices"
	"strings"

	"github.com/davidahmann/arcana/internal/policy"
	"github.com/davidahmann/arcana/pkg/types"
)

const (
	ExplainWithinWindow = "within return window"
	ExplainHighRisk     = "high risk factors detected"
	maxRiskFactors      = 2
)

type Input struct {
	RiskFactors []string
	Items       []types.ReturnItem
	// EvidenceTypes are the types supplied with the request.
	EvidenceTypes []string
	Policy        types.PolicyFields
}

type Result struct {
	Outcome            types.Outcome
	RiskScore          float64
	Explanations       []string
	StepUpRequirements []string
}

// Evaluate runs the authorization chain: exclusions deny, missing evidence or
// too many risk factors step up, everything else approves.
func Evaluate(in Input) Result {
	basis := FactorBasis(in.RiskFactors)
	result := Result{
		RiskScore:    Score(basis),
		Explanations: []string{ExplainWithinWindow},
	}

	if excluded := policy.Excluded(in.Policy, in.Items); len(excluded) > 0 {
		result.Outcome = types.OutcomeDeny
		for _, hit := range excluded {
			result.Explanations = append(result.Explanations, "excluded item: "+hit)
		}
		return result
	}

	var missing []string
	for _, required := range RequiredEvidence(basis, in.Policy.Evidence) {
		if !slices.Contains(in.EvidenceTypes, required) {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		result.Outcome = types.OutcomeStepUp
		result.Explanations = append(result.Explanations, "missing evidence: "+strings.Join(missing, ", "))
		result.StepUpRequirements = missing
		return result
	}

	if len(in.RiskFactors) > maxRiskFactors {
		result.Outcome = types.OutcomeStepUp
		result.Explanations = append(result.Explanations, ExplainHighRisk)
		return result
	}

	result.Outcome = types.OutcomeApprove
	return result
}

// EvidenceTypes lists the type of each supplied item in order.
func EvidenceTypes(evidence []types.Evidence) []string {
	out := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		out = append(out, ev.Type)
	}
	return out
}

// RecordTypes is EvidenceTypes for persisted evidence rows.
func RecordTypes(records []types.EvidenceRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Type)
	}
	return out
}
