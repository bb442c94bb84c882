package attestation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/davidahmann/arcana/internal/kms"
)

const jwksCacheTTL = time.Hour

// JWTVerifier checks EdDSA attestations against a platform's static key or
// its published JWKS.
type JWTVerifier struct {
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedJWKS
}

type cachedJWKS struct {
	set      kms.JWKS
	cachedAt time.Time
}

type JWTOption func(*JWTVerifier)

func WithHTTPClient(c *http.Client) JWTOption { return func(v *JWTVerifier) { v.client = c } }
func WithClock(now func() time.Time) JWTOption { return func(v *JWTVerifier) { v.now = now } }

func NewJWTVerifier(opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
		cache:  map[string]cachedJWKS{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *JWTVerifier) Verify(ctx context.Context, raw string, cfg PlatformConfig) (*AgentContext, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, cfg, kid)
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: jwt has expired", ErrUnverified)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnverified, err)
	}

	agentID, _ := claims["agent_id"].(string)
	if agentID == "" {
		agentID, _ = claims["sub"].(string)
	}
	if agentID == "" {
		agentID = "unknown"
	}
	agent := &AgentContext{
		Platform:   cfg.Platform,
		AgentID:    agentID,
		Format:     FormatJWT,
		Verified:   true,
		VerifiedAt: v.now().UTC(),
		Claims:     claims,
	}
	agent.Issuer, _ = claims.GetIssuer()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.UTC()
		agent.ExpiresAt = &t
	}
	return agent, nil
}

func (v *JWTVerifier) key(ctx context.Context, cfg PlatformConfig, kid string) (ed25519.PublicKey, error) {
	if len(cfg.PublicKey) == ed25519.PublicKeySize {
		return cfg.PublicKey, nil
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("no public key or jwks url configured for %s", cfg.Platform)
	}
	set, err := v.jwks(ctx, cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	jwk, ok := set.Find(kid)
	if !ok {
		return nil, fmt.Errorf("public key %q not found in jwks", kid)
	}
	return jwk.Ed25519()
}

func (v *JWTVerifier) jwks(ctx context.Context, url string) (kms.JWKS, error) {
	v.mu.Lock()
	cached, ok := v.cache[url]
	v.mu.Unlock()
	if ok && v.now().Sub(cached.cachedAt) < jwksCacheTTL {
		return cached.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return kms.JWKS{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return kms.JWKS{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kms.JWKS{}, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set kms.JWKS
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return kms.JWKS{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.cache[url] = cachedJWKS{set: set, cachedAt: v.now()}
	v.mu.Unlock()
	return set, nil
}
