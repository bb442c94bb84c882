package ledger

import (
	"fmt"

	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/pkg/types"
)

const ReceiptSchema = "arcana.commit_receipt.v1"

type Signer interface {
	KeyID() string
	SignEd25519(digest []byte) ([]byte, error)
}

type MakeReceiptInput struct {
	CreatedAt          string
	JTI                string
	TraceID            string
	DecisionID         string
	MerchantID         string
	PolicySnapshotHash string

	RefundInstruction types.RefundInstruction
	RefundMethod      string
	RestockPct        int

	Event types.ReceiptEvent
}

// MakeReceipt canonicalizes + hashes + signs a commit receipt body.
func MakeReceipt(in MakeReceiptInput, signer Signer) (ReceiptRecord, error) {
	if in.JTI == "" || in.DecisionID == "" || in.MerchantID == "" || in.CreatedAt == "" {
		return ReceiptRecord{}, fmt.Errorf("missing required receipt fields")
	}
	if !validRefund(in.RefundInstruction) {
		return ReceiptRecord{}, fmt.Errorf("invalid refund instruction: %s", in.RefundInstruction)
	}

	body := map[string]any{
		"schema":               ReceiptSchema,
		"created_at":           in.CreatedAt,
		"jti":                  in.JTI,
		"trace_id":             in.TraceID,
		"decision_id":          in.DecisionID,
		"merchant_id":          in.MerchantID,
		"policy_snapshot_hash": in.PolicySnapshotHash,
		"refund": map[string]any{
			"instruction": string(in.RefundInstruction),
			"method":      in.RefundMethod,
			"restock_pct": in.RestockPct,
		},
		"receipt_event": map[string]any{
			"type":            string(in.Event.Type),
			"carrier":         in.Event.Carrier,
			"ts":              in.Event.TS,
			"tracking_number": in.Event.TrackingNumber,
		},
	}

	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return ReceiptRecord{}, err
	}

	digestBytes := crypto.DigestBytes(canonical)
	bodyDigest := crypto.DigestWithPrefix(canonical)

	sig, err := signer.SignEd25519(digestBytes)
	if err != nil {
		return ReceiptRecord{}, err
	}

	return ReceiptRecord{
		ReceiptID:         bodyDigest,
		JTI:               in.JTI,
		DecisionID:        in.DecisionID,
		MerchantID:        in.MerchantID,
		RefundInstruction: in.RefundInstruction,
		BodyJSON:          canonical,
		BodyDigest:        bodyDigest,
		KeyID:             signer.KeyID(),
		Sig:               sig,
		CreatedAt:         in.CreatedAt,
	}, nil
}

func validRefund(r types.RefundInstruction) bool {
	switch r {
	case types.RefundInstant, types.RefundHold, types.RefundPartial, types.RefundDeny:
		return true
	default:
		return false
	}
}
