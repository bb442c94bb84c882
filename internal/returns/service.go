// Package returns runs the return token lifecycle: issue, authorize and the
// single terminal commit (or cancellation).
package returns

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/arcana/internal/attestation"
	"github.com/davidahmann/arcana/internal/devices"
	"github.com/davidahmann/arcana/internal/evidence"
	"github.com/davidahmann/arcana/internal/ids"
	"github.com/davidahmann/arcana/internal/kms"
	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/pkg/types"
)

const DefaultTokenTTL = 15 * time.Minute

const (
	ToolPolicyEngine      = "policy_engine_v1"
	ToolRiskRules         = "risk_rules_v1"
	ToolEvidenceValidator = "evidence_validator_v1"
)

// PolicyResolver is the part of the policy service the lifecycle reads.
type PolicyResolver interface {
	Get(policyID string) (types.PolicySnapshot, error)
	GetByHash(hash string) (types.PolicySnapshot, error)
}

// Config carries the settings recorded in every decision BOM.
type Config struct {
	TokenTTL          time.Duration
	CodeVersion       string
	ModelRef          string
	PromptRef         string
	CorpusSnapshotRef string
	// EnvSnapshot holds non-secret settings frozen into each BOM.
	EnvSnapshot map[string]string
}

type Service struct {
	store    ledger.Store
	policies PolicyResolver
	keys     kms.KeyManager
	cfg      Config

	attest   attestation.Verifier
	evidence evidence.Validator
	devices  devices.Registry

	now    func() time.Time
	newID  ids.Generator
	log    *slog.Logger
	tracer trace.Tracer
}

type Option func(*Service)

func WithAttestation(v attestation.Verifier) Option { return func(s *Service) { s.attest = v } }
func WithEvidenceValidator(v evidence.Validator) Option { return func(s *Service) { s.evidence = v } }
func WithDeviceRegistry(r devices.Registry) Option { return func(s *Service) { s.devices = r } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithIDs(gen ids.Generator) Option { return func(s *Service) { s.newID = gen } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(store ledger.Store, policies PolicyResolver, keys kms.KeyManager, cfg Config, opts ...Option) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.CodeVersion == "" {
		cfg.CodeVersion = "0.0.0"
	}
	s := &Service{
		store:    store,
		policies: policies,
		keys:     keys,
		cfg:      cfg,
		evidence: evidence.FormatValidator{},
		devices:  devices.NewStoreRegistry(store),
		now:      time.Now,
		newID:    ids.New,
		tracer:   otel.Tracer("github.com/davidahmann/arcana/internal/returns"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// audit records a lifecycle event. Failures are logged and never change the
// caller's result.
func (s *Service) audit(ctx context.Context, kind, merchantID, traceID, ref string) string {
	eventID := s.newID(ids.PrefixAudit)
	err := s.store.PutAuditEvent(ledger.AuditEventRecord{
		EventID:    eventID,
		Kind:       kind,
		MerchantID: merchantID,
		TraceID:    traceID,
		Ref:        ref,
		CreatedAt:  s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.log.WarnContext(ctx, "audit event write failed", "kind", kind, "trace_id", traceID, "error", err)
	}
	return eventID
}
