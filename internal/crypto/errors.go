package crypto

import "errors"

var (
	ErrFloatNotAllowed  = errors.New("float values are not allowed")
	ErrUnsupportedType  = errors.New("unsupported type for canonicalization")
	ErrKeyCollision     = errors.New("normalized map key collision")
	ErrInvalidSeedSize  = errors.New("invalid ed25519 seed size")
	ErrInvalidDigestLen = errors.New("invalid digest length")
	ErrNotEd25519Key    = errors.New("pem block does not hold an ed25519 key")
	ErrMalformedDigest  = errors.New("digest must be sha256: followed by 64 hex characters")
)
