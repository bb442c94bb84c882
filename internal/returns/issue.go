package returns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/internal/decision"
	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/internal/ids"
	"github.com/davidahmann/arcana/internal/kms"
	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/pkg/types"
)

// IssueToken scores a return request against the merchant's policy and signs a
// single-use return token bound to that policy's snapshot hash.
func (s *Service) IssueToken(ctx context.Context, req types.TokenRequest, merchantID string) (types.TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "returns.issue_token")
	defer span.End()

	if err := validateTokenRequest(req); err != nil {
		return types.TokenResponse{}, err
	}

	snapshot, err := s.policies.Get(req.PolicyID)
	if err != nil {
		return types.TokenResponse{}, err
	}
	if snapshot.MerchantID != merchantID {
		return types.TokenResponse{}, errs.PolicyNotFound(req.PolicyID)
	}

	itemsHash, err := decision.ItemsHash(req.Items)
	if err != nil {
		return types.TokenResponse{}, fmt.Errorf("hash items: %w", err)
	}

	deviceHash := ""
	if req.DeviceFingerprint != "" {
		deviceHash = crypto.DigestWithPrefix([]byte(req.DeviceFingerprint))
	}
	agentID := s.resolveAgent(ctx, req.AgentHeaders)

	basis := decision.RiskBasis(req.Items, req.ReasonCode, req.DeviceFingerprint, agentID)
	riskScore := decision.Score(basis)
	required := decision.RequiredEvidence(basis, snapshot.Fields.Evidence)

	firstSeen, err := s.devices.Observe(ctx, merchantID, deviceHash)
	if err != nil {
		return types.TokenResponse{}, fmt.Errorf("observe device: %w", err)
	}
	// new_device is a signed claim, so the device is observed before signing
	// and forgotten again if the token never reaches the ledger.
	persisted := false
	if firstSeen {
		defer func() {
			if persisted {
				return
			}
			if err := s.devices.Forget(ctx, merchantID, deviceHash); err != nil {
				s.log.WarnContext(ctx, "forget device failed", "merchant_id", merchantID, "error", err)
			}
		}()
	}
	factors := decision.RiskFactors(firstSeen, req.ReasonCode)

	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.TokenTTL)
	jti := s.newID(ids.PrefixToken)
	traceID := s.newID(ids.PrefixTrace)

	claims := &kms.ReturnClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TraceID:            traceID,
		OrderID:            req.OrderID,
		ItemsHash:          itemsHash,
		UserRef:            req.CustomerRef,
		PolicySnapshotHash: snapshot.Hash,
		DeviceHash:         deviceHash,
		AgentID:            agentID,
		RiskFactors:        factors,
		MerchantID:         merchantID,
	}
	signed, err := s.keys.SignToken(claims)
	if err != nil {
		return types.TokenResponse{}, fmt.Errorf("sign token: %w", err)
	}

	record := types.ReturnToken{
		JTI:                jti,
		TraceID:            traceID,
		MerchantID:         merchantID,
		OrderID:            req.OrderID,
		CustomerRef:        req.CustomerRef,
		ItemsHash:          itemsHash,
		Items:              req.Items,
		PolicySnapshotHash: snapshot.Hash,
		Country:            strings.ToUpper(req.Country),
		DeviceHash:         deviceHash,
		AgentID:            agentID,
		RiskFactors:        factors,
		RiskScore:          riskScore,
		ExpiresAt:          expiresAt.Format(time.RFC3339),
		CreatedAt:          now.Format(time.RFC3339Nano),
	}
	if err := s.store.WithTx(func(tx ledger.Tx) error { return tx.PutToken(record) }); err != nil {
		return types.TokenResponse{}, fmt.Errorf("put token: %w", err)
	}
	persisted = true

	span.SetAttributes(
		attribute.String("trace_id", traceID),
		attribute.String("merchant_id", merchantID),
		attribute.Int("risk_basis", basis),
	)
	s.audit(ctx, ledger.EventTokenIssued, merchantID, traceID, jti)
	s.log.InfoContext(ctx, "return token issued",
		"trace_id", traceID,
		"merchant_id", merchantID,
		"policy_snapshot_hash", snapshot.Hash,
		"risk_score", riskScore,
		"risk_factors", factors)

	return types.TokenResponse{
		ReturnToken:        signed,
		RiskScore:          riskScore,
		RequiredEvidence:   required,
		PolicySnapshotHash: snapshot.Hash,
		TraceID:            traceID,
		ExpiresAt:          record.ExpiresAt,
	}, nil
}

// resolveAgent prefers a verified attestation. A supplied attestation that
// fails verification yields no agent even if one was declared.
func (s *Service) resolveAgent(ctx context.Context, headers *types.AgentHeaders) string {
	if headers == nil {
		return ""
	}
	if headers.Attestation == "" {
		return headers.AgentID
	}
	if s.attest == nil {
		return ""
	}
	agent, err := s.attest.Verify(ctx, headers.Attestation)
	if err != nil || agent == nil || !agent.Verified {
		s.log.WarnContext(ctx, "agent attestation not verified", "error", err)
		return ""
	}
	return agent.AgentID
}

func validateTokenRequest(req types.TokenRequest) error {
	var details []errs.Detail
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			details = append(details, errs.Detail{Field: field, Code: errs.CodeMalformedRequest, Message: field + " is required"})
		}
	}
	required("order_id", req.OrderID)
	required("customer_ref", req.CustomerRef)
	required("policy_id", req.PolicyID)
	required("reason_code", req.ReasonCode)
	if len(req.Items) == 0 {
		details = append(details, errs.Detail{Field: "items", Code: errs.CodeMalformedRequest, Message: "at least one item is required"})
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.SKU) == "" {
			details = append(details, errs.Detail{Field: fmt.Sprintf("items[%d].sku", i), Code: errs.CodeMalformedRequest, Message: "sku is required"})
		}
		if item.Qty <= 0 || item.Qty > decision.MaxItemQty {
			details = append(details, errs.Detail{Field: fmt.Sprintf("items[%d].qty", i), Code: errs.CodeMalformedRequest,
				Message: fmt.Sprintf("qty must be between 1 and %d", decision.MaxItemQty)})
		}
		if item.PriceCents < 0 || item.PriceCents > decision.MaxPriceCents {
			details = append(details, errs.Detail{Field: fmt.Sprintf("items[%d].price_cents", i), Code: errs.CodeMalformedRequest,
				Message: fmt.Sprintf("price_cents must be between 0 and %d", int64(decision.MaxPriceCents))})
		}
	}
	if req.Country != "" && len(req.Country) != 2 {
		details = append(details, errs.Detail{Field: "country", Code: errs.CodeMalformedRequest, Message: "country must be a two-letter code"})
	}
	if len(details) == 0 {
		return nil
	}
	return errs.New(errs.KindValidation, errs.CodeMalformedRequest, "invalid token request").WithDetails(details...)
}
