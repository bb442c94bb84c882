package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
)

// KeyPairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrInvalidSeedSize
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return privateKey, publicKey, nil
}

// GenerateSeed returns a fresh random Ed25519 seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// EncodeSeed renders a seed in the "base64:" form LoadEd25519PrivateKey reads.
func EncodeSeed(seed []byte) string {
	return "base64:" + base64.StdEncoding.EncodeToString(seed)
}
