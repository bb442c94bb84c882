package returns

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/pkg/types"
)

var errAlreadyRevoked = errors.New("token already revoked")

// Commit is the terminal transition. The token is revoked with a conditional
// update so exactly one concurrent caller wins; the rest get AlreadyCommitted.
func (s *Service) Commit(ctx context.Context, req types.CommitRequest, merchantID string) (types.CommitResponse, error) {
	ctx, span := s.tracer.Start(ctx, "returns.commit")
	defer span.End()

	if err := validateCommitRequest(req); err != nil {
		return types.CommitResponse{}, err
	}
	claims, _, err := s.loadToken(req.ReturnToken, merchantID)
	if err != nil {
		return types.CommitResponse{}, err
	}

	latest, ok, err := s.store.LatestDecisionForToken(claims.ID)
	if err != nil {
		return types.CommitResponse{}, fmt.Errorf("latest decision: %w", err)
	}
	if !ok {
		return types.CommitResponse{}, errs.New(errs.KindNotFound, errs.CodeDecisionNotFound, "no authorization decision found for this return token")
	}
	instruction := RefundFor(latest.Output.Decision)

	restockPct := 0
	if instruction != types.RefundDeny {
		snapshot, err := s.boundPolicy(claims.PolicySnapshotHash)
		if err != nil {
			return types.CommitResponse{}, err
		}
		restockPct = snapshot.Fields.RestockFeePct
	}

	now := s.now().UTC()
	receipt, err := ledger.MakeReceipt(ledger.MakeReceiptInput{
		CreatedAt:          now.Format(time.RFC3339Nano),
		JTI:                claims.ID,
		TraceID:            claims.TraceID,
		DecisionID:         latest.DecisionID,
		MerchantID:         merchantID,
		PolicySnapshotHash: claims.PolicySnapshotHash,
		RefundInstruction:  instruction,
		RefundMethod:       refundMethod(instruction),
		RestockPct:         restockPct,
		Event:              req.ReceiptEvent,
	}, s.keys)
	if err != nil {
		return types.CommitResponse{}, fmt.Errorf("make receipt: %w", err)
	}

	err = s.store.WithTx(func(tx ledger.Tx) error {
		performed, err := tx.RevokeToken(claims.ID, now.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		if !performed {
			return errAlreadyRevoked
		}
		return tx.PutReceipt(receipt)
	})
	if errors.Is(err, errAlreadyRevoked) {
		return types.CommitResponse{}, errs.New(errs.KindAlreadyCommitted, errs.CodeAlreadyCommitted, "return token was already committed")
	}
	if err != nil {
		return types.CommitResponse{}, fmt.Errorf("commit token: %w", err)
	}

	span.SetAttributes(
		attribute.String("decision_id", latest.DecisionID),
		attribute.String("refund_instruction", string(instruction)),
	)
	auditRef := s.audit(ctx, ledger.EventCommitted, merchantID, claims.TraceID, receipt.ReceiptID)
	s.log.InfoContext(ctx, "return committed",
		"trace_id", claims.TraceID,
		"merchant_id", merchantID,
		"decision_id", latest.DecisionID,
		"refund_instruction", string(instruction))

	return types.CommitResponse{
		RefundInstruction: instruction,
		FinalReceipt: types.FinalReceipt{
			ID:           receipt.ReceiptID,
			RefundMethod: refundMethod(instruction),
			RestockPct:   restockPct,
			KeyID:        receipt.KeyID,
			Sig:          base64.StdEncoding.EncodeToString(receipt.Sig),
		},
		AuditRef: auditRef,
	}, nil
}

// Cancel revokes a token outside the commit flow, for example when the order
// is cancelled upstream.
func (s *Service) Cancel(ctx context.Context, jti, merchantID string) (types.CancelResponse, error) {
	ctx, span := s.tracer.Start(ctx, "returns.cancel")
	defer span.End()

	record, ok, err := s.store.GetToken(jti)
	if err != nil {
		return types.CancelResponse{}, fmt.Errorf("load token: %w", err)
	}
	if !ok {
		return types.CancelResponse{}, errs.Newf(errs.KindNotFound, errs.CodeTokenNotFound, "return token not found: %s", jti)
	}
	if record.MerchantID != merchantID {
		return types.CancelResponse{}, errs.New(errs.KindUnauthorized, errs.CodeMerchantMismatch, "return token was issued to another merchant")
	}

	revokedAt := s.now().UTC().Format(time.RFC3339Nano)
	err = s.store.WithTx(func(tx ledger.Tx) error {
		performed, err := tx.RevokeToken(jti, revokedAt)
		if err != nil {
			return err
		}
		if !performed {
			return errAlreadyRevoked
		}
		return nil
	})
	if errors.Is(err, errAlreadyRevoked) {
		return types.CancelResponse{}, errs.New(errs.KindAlreadyCommitted, errs.CodeAlreadyCommitted, "return token was already revoked")
	}
	if err != nil {
		return types.CancelResponse{}, fmt.Errorf("cancel token: %w", err)
	}

	s.audit(ctx, ledger.EventCancelled, merchantID, record.TraceID, jti)
	s.log.InfoContext(ctx, "return token cancelled", "trace_id", record.TraceID, "merchant_id", merchantID)
	return types.CancelResponse{JTI: jti, RevokedAt: revokedAt}, nil
}

// RefundFor maps a decision to the refund the merchant should issue.
func RefundFor(outcome types.Outcome) types.RefundInstruction {
	switch outcome {
	case types.OutcomeApprove:
		return types.RefundInstant
	case types.OutcomeStepUp:
		return types.RefundHold
	default:
		return types.RefundDeny
	}
}

func refundMethod(instruction types.RefundInstruction) string {
	if instruction == types.RefundDeny {
		return ""
	}
	return "original_payment"
}

func validateCommitRequest(req types.CommitRequest) error {
	if strings.TrimSpace(req.ReturnToken) == "" {
		return errs.Validation("return_token", "return_token is required")
	}
	switch req.ReceiptEvent.Type {
	case types.ReceiptEventScan, types.ReceiptEventDropoff, types.ReceiptEventReceived:
	default:
		return errs.Validation("receipt_event.type", "receipt_event.type must be one of scan, dropoff, received")
	}
	if _, err := time.Parse(time.RFC3339, req.ReceiptEvent.TS); err != nil {
		return errs.Validation("receipt_event.ts", "receipt_event.ts must be RFC3339")
	}
	return nil
}
