package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DigestPrefix tags content digests: receipt ids, policy snapshot hashes,
// items hashes and device hashes all carry it.
const DigestPrefix = "sha256:"

// DigestBytes returns the raw SHA-256 digest bytes.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func DigestWithPrefix(data []byte) string {
	return DigestPrefix + DigestHex(data)
}

// ParseDigest turns a prefixed digest back into its 32 raw bytes.
func ParseDigest(prefixed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(prefixed, DigestPrefix)
	if !ok {
		return nil, ErrMalformedDigest
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != sha256.Size {
		return nil, ErrMalformedDigest
	}
	return raw, nil
}

// SignEd25519 signs a SHA-256 digest. Receipts are signed over the digest of
// their canonical body, not the body itself.
func SignEd25519(privateKey ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigestLen
	}
	return ed25519.Sign(privateKey, digest), nil
}

func VerifyEd25519(publicKey ed25519.PublicKey, digest, sig []byte) (bool, error) {
	if len(digest) != sha256.Size {
		return false, ErrInvalidDigestLen
	}
	return ed25519.Verify(publicKey, digest, sig), nil
}

// VerifyDigest checks sig against a prefixed digest such as a receipt id.
func VerifyDigest(publicKey ed25519.PublicKey, prefixed string, sig []byte) (bool, error) {
	digest, err := ParseDigest(prefixed)
	if err != nil {
		return false, err
	}
	return VerifyEd25519(publicKey, digest, sig)
}
