package attestation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/arcana/internal/kms"
)

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func agentKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize))
}

func signAttestation(t *testing.T, key ed25519.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	out, err := tok.SignedString(key)
	require.NoError(t, err)
	return out
}

func openAIClaims(exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":      "https://agents.openai.com",
		"sub":      "user-1",
		"agent_id": "agent-7",
		"exp":      exp.Unix(),
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FormatJWT, Classify("aaa.bbb.ccc"))
	assert.Equal(t, FormatVC, Classify(`{"@context":["x"],"type":["VerifiableCredential"],"proof":{}}`))
	assert.Equal(t, FormatCustom, Classify(`{"@context":["x"],"type":["VerifiableCredential"]}`))
	assert.Equal(t, FormatSPT, Classify("spt_123"))
	assert.Equal(t, FormatCustom, Classify("opaque-token"))
}

func TestDetectPlatform(t *testing.T) {
	tok := signAttestation(t, agentKey(), "", openAIClaims(testNow.Add(time.Hour)))
	assert.Equal(t, PlatformChatGPT, DetectPlatform(tok))
	assert.Equal(t, PlatformChatGPT, DetectPlatform("spt_abc"))

	claude := signAttestation(t, agentKey(), "", jwt.MapClaims{"iss": "anthropic.com"})
	assert.Equal(t, PlatformClaude, DetectPlatform(claude))
	assert.Equal(t, PlatformCustom, DetectPlatform("whatever"))
}

func TestVerifyJWTWithStaticKey(t *testing.T) {
	key := agentKey()
	svc := NewService([]PlatformConfig{{
		Platform:  PlatformChatGPT,
		Issuer:    "https://agents.openai.com",
		PublicKey: key.Public().(ed25519.PublicKey),
	}}, WithFormatVerifier(FormatJWT, NewJWTVerifier(WithClock(func() time.Time { return testNow }))))

	agent, err := svc.Verify(context.Background(), signAttestation(t, key, "", openAIClaims(testNow.Add(time.Hour))))
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "agent-7", agent.AgentID)
	assert.Equal(t, PlatformChatGPT, agent.Platform)
	assert.True(t, agent.Verified)
	assert.Equal(t, "https://agents.openai.com", agent.Issuer)
	require.NotNil(t, agent.ExpiresAt)
}

func TestVerifyJWTRejects(t *testing.T) {
	key := agentKey()
	other := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))
	svc := NewService([]PlatformConfig{{
		Platform:  PlatformChatGPT,
		Issuer:    "https://agents.openai.com",
		PublicKey: key.Public().(ed25519.PublicKey),
	}}, WithFormatVerifier(FormatJWT, NewJWTVerifier(WithClock(func() time.Time { return testNow }))))

	expired := signAttestation(t, key, "", openAIClaims(testNow.Add(-time.Minute)))
	agent, err := svc.Verify(context.Background(), expired)
	assert.Nil(t, agent)
	assert.ErrorIs(t, err, ErrUnverified)

	forged := signAttestation(t, other, "", openAIClaims(testNow.Add(time.Hour)))
	agent, err = svc.Verify(context.Background(), forged)
	assert.Nil(t, agent)
	assert.ErrorIs(t, err, ErrUnverified)

	wrongIssuer := openAIClaims(testNow.Add(time.Hour))
	wrongIssuer["iss"] = "https://evil-openai.example"
	agent, err = svc.Verify(context.Background(), signAttestation(t, key, "", wrongIssuer))
	assert.Nil(t, agent)
	assert.Error(t, err)
}

func TestVerifyJWTFromJWKS(t *testing.T) {
	key := agentKey()
	manager, err := kms.NewEd25519KeyManager("agent-key-1", "https://agents.openai.com", key)
	require.NoError(t, err)

	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		_ = json.NewEncoder(w).Encode(manager.JWKS())
	}))
	defer srv.Close()

	verifier := NewJWTVerifier(WithClock(func() time.Time { return testNow }))
	svc := NewService([]PlatformConfig{{Platform: PlatformChatGPT, JWKSURL: srv.URL}}, WithFormatVerifier(FormatJWT, verifier))

	for i := 0; i < 2; i++ {
		agent, err := svc.Verify(context.Background(), signAttestation(t, key, "agent-key-1", openAIClaims(testNow.Add(time.Hour))))
		require.NoError(t, err)
		assert.Equal(t, "agent-7", agent.AgentID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches), "jwks should be cached")

	_, err = svc.Verify(context.Background(), signAttestation(t, key, "rotated", openAIClaims(testNow.Add(time.Hour))))
	assert.ErrorIs(t, err, ErrUnverified)
}

func TestVerifySPTAndVC(t *testing.T) {
	svc := NewService([]PlatformConfig{{Platform: PlatformChatGPT}, {Platform: PlatformCustom}})

	agent, err := svc.Verify(context.Background(), "spt_live_123")
	require.NoError(t, err)
	assert.Equal(t, "spt_agent", agent.AgentID)
	assert.Equal(t, FormatSPT, agent.Format)
	assert.Equal(t, "spt_live_123", agent.Claims["token_id"])

	vc := `{"@context":["https://www.w3.org/2018/credentials/v1"],"type":["VerifiableCredential"],"proof":{"type":"Ed25519Signature2020"}}`
	agent, err = svc.Verify(context.Background(), vc)
	assert.Nil(t, agent)
	assert.ErrorIs(t, err, ErrUnverified)
}

func TestVerifyUnconfiguredPlatform(t *testing.T) {
	svc := NewService(nil)
	_, err := svc.Verify(context.Background(), "spt_123")
	assert.True(t, errors.Is(err, ErrPlatformNotConfigured))

	_, err = svc.Verify(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrUnverified)
}
