// Package kms holds the signing key used for return tokens and receipts.
package kms

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/internal/errs"
)

// ReturnClaims are the claims carried by a return token.
type ReturnClaims struct {
	jwt.RegisteredClaims
	TraceID            string   `json:"trace_id"`
	OrderID            string   `json:"order_id"`
	ItemsHash          string   `json:"items_hash"`
	UserRef            string   `json:"user_ref"`
	PolicySnapshotHash string   `json:"policy_snapshot_hash"`
	DeviceHash         string   `json:"device_hash,omitempty"`
	AgentID            string   `json:"agent_id,omitempty"`
	RiskFactors        []string `json:"risk_factors"`
	MerchantID         string   `json:"merchant_id"`
}

type KeyManager interface {
	KeyID() string
	SignToken(claims *ReturnClaims) (string, error)
	VerifyToken(token string) (*ReturnClaims, error)
	SignEd25519(digest []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
	JWKS() JWKS
}

type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type Ed25519KeyManager struct {
	keyID  string
	issuer string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	// retired keys still accepted for verification
	verifyOnly map[string]ed25519.PublicKey
	now        func() time.Time
}

type Option func(*Ed25519KeyManager)

func WithClock(now func() time.Time) Option {
	return func(m *Ed25519KeyManager) { m.now = now }
}

// WithVerificationKey accepts tokens signed by a retired key.
func WithVerificationKey(keyID string, pub ed25519.PublicKey) Option {
	return func(m *Ed25519KeyManager) { m.verifyOnly[keyID] = pub }
}

func NewEd25519KeyManager(keyID, issuer string, priv ed25519.PrivateKey, opts ...Option) (*Ed25519KeyManager, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size: %d", len(priv))
	}
	m := &Ed25519KeyManager{
		keyID:      keyID,
		issuer:     issuer,
		priv:       priv,
		pub:        priv.Public().(ed25519.PublicKey),
		verifyOnly: map[string]ed25519.PublicKey{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LoadEd25519KeyManager reads key material from path.
func LoadEd25519KeyManager(path, keyID, issuer string, opts ...Option) (*Ed25519KeyManager, error) {
	priv, _, err := crypto.LoadEd25519PrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return NewEd25519KeyManager(keyID, issuer, priv, opts...)
}

func (m *Ed25519KeyManager) KeyID() string { return m.keyID }

func (m *Ed25519KeyManager) Issuer() string { return m.issuer }

func (m *Ed25519KeyManager) PublicKey() ed25519.PublicKey { return m.pub }

func (m *Ed25519KeyManager) SignEd25519(digest []byte) ([]byte, error) {
	return crypto.SignEd25519(m.priv, digest)
}

// SignToken stamps the issuer and signs claims as an EdDSA JWT with a kid header.
func (m *Ed25519KeyManager) SignToken(claims *ReturnClaims) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("claims are required")
	}
	claims.Issuer = m.issuer
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = m.keyID
	signed, err := token.SignedString(m.priv)
	if err != nil {
		return "", fmt.Errorf("sign return token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature, issuer and expiry.
func (m *Ed25519KeyManager) VerifyToken(raw string) (*ReturnClaims, error) {
	claims := &ReturnClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.New(errs.KindExpired, errs.CodeTokenExpired, "return token expired")
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, errs.New(errs.KindInvalidSignature, errs.CodeInvalidSignature, "malformed return token")
		}
		return nil, errs.New(errs.KindInvalidSignature, errs.CodeInvalidSignature, "invalid return token signature")
	}
	if claims.ID == "" {
		return nil, errs.New(errs.KindInvalidSignature, errs.CodeInvalidSignature, "return token missing jti")
	}
	return claims, nil
}

func (m *Ed25519KeyManager) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" || kid == m.keyID {
		return m.pub, nil
	}
	if pub, ok := m.verifyOnly[kid]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("unknown key id: %s", kid)
}

// JWKS exports the active key first, then retired keys by id.
func (m *Ed25519KeyManager) JWKS() JWKS {
	set := JWKS{Keys: []JWK{publicJWK(m.keyID, m.pub)}}
	retired := make([]string, 0, len(m.verifyOnly))
	for kid := range m.verifyOnly {
		retired = append(retired, kid)
	}
	sort.Strings(retired)
	for _, kid := range retired {
		set.Keys = append(set.Keys, publicJWK(kid, m.verifyOnly[kid]))
	}
	return set
}

func publicJWK(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
		Use: "sig",
		Alg: "EdDSA",
		Kid: kid,
	}
}

// Find returns the key with kid, or the first key when kid is empty.
func (s JWKS) Find(kid string) (JWK, bool) {
	for _, k := range s.Keys {
		if kid == "" || k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}

// Ed25519 decodes an OKP Ed25519 key.
func (k JWK) Ed25519() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return nil, fmt.Errorf("unsupported jwk %s/%s", k.Kty, k.Crv)
	}
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("jwk x has %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
