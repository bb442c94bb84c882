package returns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/davidahmann/arcana/internal/decision"
	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/internal/ids"
	"github.com/davidahmann/arcana/internal/kms"
	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/internal/policy"
	"github.com/davidahmann/arcana/pkg/types"
)

// Authorize decides a return against the policy bound into its token. It may
// run any number of times before commit and records every decision.
func (s *Service) Authorize(ctx context.Context, req types.AuthorizeRequest, merchantID string) (types.AuthorizeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "returns.authorize")
	defer span.End()

	if strings.TrimSpace(req.ReturnToken) == "" {
		return types.AuthorizeResponse{}, errs.Validation("return_token", "return_token is required")
	}
	claims, record, err := s.loadToken(req.ReturnToken, merchantID)
	if err != nil {
		return types.AuthorizeResponse{}, err
	}
	if record.Revoked {
		return types.AuthorizeResponse{}, errs.New(errs.KindTokenRevoked, errs.CodeTokenRevoked, "return token has been revoked")
	}

	snapshot, err := s.boundPolicy(claims.PolicySnapshotHash)
	if err != nil {
		return types.AuthorizeResponse{}, err
	}
	if req.DropoffChoice != "" && !policy.ChannelAllowed(snapshot.Fields, req.DropoffChoice) {
		return types.AuthorizeResponse{}, errs.Validation("dropoff_choice",
			fmt.Sprintf("dropoff_choice %q is not allowed; use one of: %s", req.DropoffChoice, strings.Join(snapshot.Fields.AllowedChannels, ", ")))
	}

	validated := false
	if len(req.Evidence) > 0 && s.evidence != nil {
		if err := s.evidence.Validate(ctx, req.Evidence).Err(); err != nil {
			return types.AuthorizeResponse{}, err
		}
		validated = true
	}

	result := decision.Evaluate(decision.Input{
		RiskFactors:   claims.RiskFactors,
		Items:         record.Items,
		EvidenceTypes: decision.EvidenceTypes(req.Evidence),
		Policy:        snapshot.Fields,
	})
	inputHash, err := decision.InputSummaryHash(claimsView(claims), req.Evidence)
	if err != nil {
		return types.AuthorizeResponse{}, fmt.Errorf("hash decision input: %w", err)
	}

	createdAt := s.now().UTC().Format(time.RFC3339Nano)
	dec := types.Decision{
		DecisionID:       s.newID(ids.PrefixDecision),
		TraceID:          claims.TraceID,
		MerchantID:       merchantID,
		ReturnTokenJTI:   claims.ID,
		InputSummaryHash: inputHash,
		Output:           types.DecisionOutput{Decision: result.Outcome, RiskScore: result.RiskScore},
		Explanations:     result.Explanations,
		CreatedAt:        createdAt,
	}
	bom := s.bom(dec.DecisionID, snapshot.Hash, validated)

	evidenceRows := make([]types.EvidenceRecord, 0, len(req.Evidence))
	for _, ev := range req.Evidence {
		evidenceRows = append(evidenceRows, types.EvidenceRecord{
			EvidenceID: s.newID(ids.PrefixEvidence),
			TraceID:    claims.TraceID,
			DecisionID: dec.DecisionID,
			Type:       ev.Type,
			URL:        ev.URL,
			CreatedAt:  createdAt,
		})
	}

	err = s.store.WithTx(func(tx ledger.Tx) error {
		for _, row := range evidenceRows {
			if err := tx.PutEvidence(row); err != nil {
				return err
			}
		}
		if err := tx.PutDecision(dec); err != nil {
			return err
		}
		return tx.PutDecisionBOM(bom)
	})
	if err != nil {
		return types.AuthorizeResponse{}, fmt.Errorf("record decision: %w", err)
	}

	span.SetAttributes(
		attribute.String("decision_id", dec.DecisionID),
		attribute.String("decision", string(result.Outcome)),
	)
	auditRef := s.audit(ctx, ledger.EventAuthorized, merchantID, claims.TraceID, dec.DecisionID)
	s.log.InfoContext(ctx, "return authorized",
		"trace_id", claims.TraceID,
		"merchant_id", merchantID,
		"decision_id", dec.DecisionID,
		"decision", string(result.Outcome))

	resp := types.AuthorizeResponse{
		Decision:   result.Outcome,
		DecisionID: dec.DecisionID,
		Conditions: types.Conditions{
			RestockPct: snapshot.Fields.RestockFeePct,
			Window:     policy.EffectiveWindowDays(snapshot.Fields, record.Items, record.Country),
		},
		Explanations:       result.Explanations,
		AuditRef:           auditRef,
		StepUpRequirements: result.StepUpRequirements,
	}
	if result.Outcome == types.OutcomeApprove {
		label := s.newID(ids.PrefixLabel)
		resp.LabelCredential = &label
	}
	return resp, nil
}

// loadToken verifies a presented token and fetches its persisted record.
func (s *Service) loadToken(raw, merchantID string) (*kms.ReturnClaims, types.ReturnToken, error) {
	claims, err := s.keys.VerifyToken(raw)
	if err != nil {
		return nil, types.ReturnToken{}, err
	}
	if claims.MerchantID != merchantID {
		return nil, types.ReturnToken{}, errs.New(errs.KindUnauthorized, errs.CodeMerchantMismatch, "return token was issued to another merchant")
	}
	record, ok, err := s.store.GetToken(claims.ID)
	if err != nil {
		return nil, types.ReturnToken{}, fmt.Errorf("load token: %w", err)
	}
	if !ok {
		return nil, types.ReturnToken{}, errs.Newf(errs.KindNotFound, errs.CodeTokenNotFound, "return token not found: %s", claims.ID)
	}
	return claims, record, nil
}

// boundPolicy resolves the snapshot a token was issued under. Only a missing
// snapshot is a hash mismatch; other lookup failures pass through.
func (s *Service) boundPolicy(hash string) (types.PolicySnapshot, error) {
	snapshot, err := s.policies.GetByHash(hash)
	if errs.Is(err, errs.KindNotFound) {
		return types.PolicySnapshot{}, errs.Newf(errs.KindPolicyHashMismatch, errs.CodePolicyHashMismatch,
			"policy snapshot %s bound to this token is no longer available", hash)
	}
	if err != nil {
		return types.PolicySnapshot{}, fmt.Errorf("resolve policy %s: %w", hash, err)
	}
	return snapshot, nil
}

func (s *Service) bom(decisionID, policyHash string, evidenceValidated bool) types.DecisionBOM {
	tools := []string{ToolPolicyEngine, ToolRiskRules}
	if evidenceValidated {
		tools = append(tools, ToolEvidenceValidator)
	}
	var env map[string]string
	if len(s.cfg.EnvSnapshot) > 0 {
		env = make(map[string]string, len(s.cfg.EnvSnapshot))
		for k, v := range s.cfg.EnvSnapshot {
			env[k] = v
		}
	}
	return types.DecisionBOM{
		DecisionID:         decisionID,
		ModelRef:           s.cfg.ModelRef,
		PromptRef:          s.cfg.PromptRef,
		ToolRefs:           tools,
		CorpusSnapshotRef:  s.cfg.CorpusSnapshotRef,
		PolicySnapshotHash: policyHash,
		CodeVersion:        s.cfg.CodeVersion,
		EnvSnapshot:        env,
	}
}

// claimsView is the hashed form of verified claims. Timestamps are left out
// so the hash reflects what was decided on, not when.
func claimsView(c *kms.ReturnClaims) map[string]any {
	factors := make([]any, 0, len(c.RiskFactors))
	for _, f := range c.RiskFactors {
		factors = append(factors, f)
	}
	return map[string]any{
		"jti":                  c.ID,
		"trace_id":             c.TraceID,
		"merchant_id":          c.MerchantID,
		"order_id":             c.OrderID,
		"items_hash":           c.ItemsHash,
		"user_ref":             c.UserRef,
		"policy_snapshot_hash": c.PolicySnapshotHash,
		"device_hash":          c.DeviceHash,
		"agent_id":             c.AgentID,
		"risk_factors":         factors,
	}
}
