package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/davidahmann/arcana/internal/crypto"
)

var (
	ErrReceiptDigestMismatch = errors.New("receipt digest mismatch")
	ErrReceiptSignature      = errors.New("receipt signature invalid")
	ErrReceiptNotFound       = errors.New("receipt not found")
	ErrUnknownReceiptKey     = errors.New("receipt signing key not found")
)

// VerifyReceipt validates digest consistency and signature.
func VerifyReceipt(receipt ReceiptRecord, publicKey ed25519.PublicKey) error {
	digest := crypto.DigestWithPrefix(receipt.BodyJSON)
	if receipt.BodyDigest != digest || receipt.ReceiptID != digest {
		return ErrReceiptDigestMismatch
	}

	ok, err := crypto.VerifyDigest(publicKey, receipt.BodyDigest, receipt.Sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReceiptSignature
	}
	return nil
}

// VerifyStoredReceipt loads a receipt and the key that signed it from the
// store and checks both.
func VerifyStoredReceipt(store Reader, receiptID string) (ReceiptRecord, error) {
	receipt, ok, err := store.GetReceipt(receiptID)
	if err != nil {
		return ReceiptRecord{}, fmt.Errorf("get receipt: %w", err)
	}
	if !ok {
		return ReceiptRecord{}, ErrReceiptNotFound
	}
	key, ok, err := store.GetKey(receipt.KeyID)
	if err != nil {
		return ReceiptRecord{}, fmt.Errorf("get key: %w", err)
	}
	if !ok {
		return ReceiptRecord{}, fmt.Errorf("%w: %s", ErrUnknownReceiptKey, receipt.KeyID)
	}
	if err := VerifyReceipt(receipt, ed25519.PublicKey(key.PublicKey)); err != nil {
		return ReceiptRecord{}, err
	}
	return receipt, nil
}
