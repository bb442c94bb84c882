// Package attestation verifies agent attestation headers and turns them into
// an agent identity.
package attestation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const HeaderName = "X-Agent-Attestation"

type Format string

const (
	FormatJWT    Format = "jwt"
	FormatVC     Format = "vc"
	FormatSPT    Format = "spt"
	FormatCustom Format = "custom"
)

type Platform string

const (
	PlatformChatGPT    Platform = "chatgpt"
	PlatformGemini     Platform = "gemini"
	PlatformClaude     Platform = "claude"
	PlatformPerplexity Platform = "perplexity"
	PlatformCustom     Platform = "custom"
)

var (
	ErrPlatformNotConfigured = errors.New("attestation platform not configured")
	ErrUnverified            = errors.New("attestation could not be verified")
)

// AgentContext is the identity extracted from a verified attestation.
type AgentContext struct {
	Platform   Platform       `json:"platform"`
	AgentID    string         `json:"agent_id"`
	Format     Format         `json:"attestation_format"`
	Verified   bool           `json:"verified"`
	VerifiedAt time.Time      `json:"verified_at"`
	Issuer     string         `json:"issuer,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Claims     map[string]any `json:"claims,omitempty"`
}

// PlatformConfig holds the trust anchor for one agent platform. Either
// PublicKey or JWKSURL must be set for JWT attestations.
type PlatformConfig struct {
	Platform  Platform
	Issuer    string
	Audience  string
	PublicKey ed25519.PublicKey
	JWKSURL   string
}

type Verifier interface {
	Verify(ctx context.Context, header string) (*AgentContext, error)
}

// FormatVerifier checks one attestation format against a platform config.
type FormatVerifier interface {
	Verify(ctx context.Context, raw string, cfg PlatformConfig) (*AgentContext, error)
}

type Service struct {
	platforms map[Platform]PlatformConfig
	formats   map[Format]FormatVerifier
	log       *slog.Logger
}

type Option func(*Service)

func WithFormatVerifier(f Format, v FormatVerifier) Option {
	return func(s *Service) { s.formats[f] = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(platforms []PlatformConfig, opts ...Option) *Service {
	jwtVerifier := NewJWTVerifier()
	s := &Service{
		platforms: map[Platform]PlatformConfig{},
		formats: map[Format]FormatVerifier{
			FormatJWT:    jwtVerifier,
			FormatVC:     VCVerifier{},
			FormatSPT:    SPTVerifier{},
			FormatCustom: jwtVerifier,
		},
	}
	for _, p := range platforms {
		s.platforms[p.Platform] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Verify classifies the header, picks the platform config and dispatches to
// the verifier for its format. A nil context means the agent is unverified.
func (s *Service) Verify(ctx context.Context, header string) (*AgentContext, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrUnverified
	}
	format := Classify(header)
	platform := DetectPlatform(header)
	cfg, ok := s.platforms[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformNotConfigured, platform)
	}
	verifier, ok := s.formats[format]
	if !ok {
		return nil, fmt.Errorf("%w: no verifier for format %s", ErrUnverified, format)
	}
	agent, err := verifier.Verify(ctx, header, cfg)
	if err != nil {
		s.log.DebugContext(ctx, "attestation rejected", "format", string(format), "platform", string(platform), "error", err)
		return nil, err
	}
	return agent, nil
}

var compactJWT = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

func Classify(header string) Format {
	if compactJWT.MatchString(header) {
		return FormatJWT
	}
	if isVC(header) {
		return FormatVC
	}
	if strings.HasPrefix(header, "spt_") {
		return FormatSPT
	}
	return FormatCustom
}

func isVC(raw string) bool {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return false
	}
	return doc["@context"] != nil && doc["type"] != nil && doc["proof"] != nil
}

// DetectPlatform guesses the issuing platform from an unverified JWT issuer
// or the token prefix.
func DetectPlatform(header string) Platform {
	if Classify(header) == FormatJWT {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(header, claims); err == nil {
			iss, _ := claims["iss"].(string)
			iss = strings.ToLower(iss)
			switch {
			case strings.Contains(iss, "openai"):
				return PlatformChatGPT
			case strings.Contains(iss, "google"):
				return PlatformGemini
			case strings.Contains(iss, "anthropic"):
				return PlatformClaude
			case strings.Contains(iss, "perplexity"):
				return PlatformPerplexity
			}
		}
	}
	if strings.HasPrefix(header, "spt_") {
		return PlatformChatGPT
	}
	return PlatformCustom
}

// SPTVerifier accepts shared payment tokens by prefix. The payment provider
// lookup that would resolve the real agent is not wired.
type SPTVerifier struct {
	Now func() time.Time
}

func (v SPTVerifier) Verify(_ context.Context, raw string, cfg PlatformConfig) (*AgentContext, error) {
	if !strings.HasPrefix(raw, "spt_") || len(raw) <= len("spt_") {
		return nil, fmt.Errorf("%w: invalid spt format", ErrUnverified)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	return &AgentContext{
		Platform:   cfg.Platform,
		AgentID:    "spt_agent",
		Format:     FormatSPT,
		Verified:   true,
		VerifiedAt: now().UTC(),
		Claims:     map[string]any{"token_id": raw},
	}, nil
}

// VCVerifier checks the credential shape only. Proof verification is not
// supported, so every credential is reported unverified.
type VCVerifier struct{}

func (VCVerifier) Verify(_ context.Context, raw string, _ PlatformConfig) (*AgentContext, error) {
	if !isVC(raw) {
		return nil, fmt.Errorf("%w: credential needs @context, type and proof", ErrUnverified)
	}
	return nil, fmt.Errorf("%w: verifiable credential proofs are not supported", ErrUnverified)
}
