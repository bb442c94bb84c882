package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidahmann/arcana/internal/api"
	"github.com/davidahmann/arcana/internal/attestation"
	"github.com/davidahmann/arcana/internal/auth"
	"github.com/davidahmann/arcana/internal/config"
	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/internal/devices"
	"github.com/davidahmann/arcana/internal/evidence"
	"github.com/davidahmann/arcana/internal/kms"
	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/internal/ledger/pgstore"
	"github.com/davidahmann/arcana/internal/ledger/sqlstore"
	"github.com/davidahmann/arcana/internal/policy"
	"github.com/davidahmann/arcana/internal/returns"
)

const (
	defaultKeyID  = "arcana-dev"
	defaultIssuer = "arcana"
)

// newServer wires every component from cfg.
func newServer(cfg config.Config, logger *slog.Logger) (*http.Server, error) {
	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return nil, err
	}

	keys, err := loadKeys(cfg, logger)
	if err != nil {
		closeStore()
		return nil, err
	}
	if err := store.PutKey(ledger.KeyRecord{
		KeyID:     keys.KeyID(),
		PublicKey: keys.PublicKey(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		closeStore()
		return nil, fmt.Errorf("register signing key: %w", err)
	}

	policies := policy.NewService(store, policy.WithLogger(logger))

	opts := []returns.Option{
		returns.WithLogger(logger),
		returns.WithEvidenceValidator(evidenceValidator(cfg.Evidence, logger)),
	}
	if len(cfg.Attestation.Platforms) > 0 {
		platforms, err := attestationPlatforms(cfg.Attestation)
		if err != nil {
			closeStore()
			return nil, err
		}
		opts = append(opts, returns.WithAttestation(attestation.NewService(platforms, attestation.WithLogger(logger))))
	}
	if cfg.Devices.Backend == config.DevicesRedis {
		opts = append(opts, returns.WithDeviceRegistry(devices.NewRedisRegistry(cfg.Devices.RedisAddr, cfg.Devices.RedisDB)))
	}
	svc := returns.NewService(store, policies, keys, returns.Config{
		TokenTTL:          cfg.TokenTTL(),
		CodeVersion:       cfg.Ledger.CodeVersion,
		ModelRef:          cfg.Ledger.ModelRef,
		PromptRef:         cfg.Ledger.PromptRef,
		CorpusSnapshotRef: cfg.Ledger.CorpusSnapshotRef,
		EnvSnapshot:       envSnapshot(cfg),
	}, opts...)

	aelOpts := []ledger.AELOption{ledger.WithAELLogger(logger)}
	if cfg.ReplayBundles.Enabled {
		exporter, err := ledger.NewS3BundleExporterFromEnv(context.Background(), cfg.ReplayBundles.Region, cfg.ReplayBundles.Bucket, cfg.ReplayBundles.Prefix)
		if err != nil {
			closeStore()
			return nil, err
		}
		aelOpts = append(aelOpts, ledger.WithBundleExporter(exporter))
	}

	schemas, err := api.LoadSchemas()
	if err != nil {
		closeStore()
		return nil, err
	}
	h := &api.Handler{
		Auth:     auth.NewAPIKeyAuthenticator(cfg.Merchants),
		Returns:  svc,
		Policies: policies,
		AEL:      ledger.NewAEL(store, aelOpts...),
		Keys:     keys,
		Schemas:  schemas,
		Idem:     api.NewInMemoryIdemStore(),
		Log:      logger,
	}
	if cfg.RateLimit.RPS > 0 {
		h.Limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	server.RegisterOnShutdown(closeStore)
	return server, nil
}

func openStore(db config.DBConfig) (ledger.Store, func(), error) {
	switch db.Driver {
	case config.DriverSQLite:
		s, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case config.DriverPostgres:
		s, err := pgstore.OpenPostgres(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := ledger.Migrate(s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return ledger.NewInMemoryStore(), func() {}, nil
	}
}

func loadKeys(cfg config.Config, logger *slog.Logger) (*kms.Ed25519KeyManager, error) {
	keyID := firstNonEmpty(cfg.SigningKey.KeyID, defaultKeyID)
	issuer := firstNonEmpty(cfg.Tokens.Issuer, defaultIssuer)
	if cfg.SigningKey.PrivateKeyPath != "" {
		return kms.LoadEd25519KeyManager(cfg.SigningKey.PrivateKeyPath, keyID, issuer)
	}
	seed, err := crypto.GenerateSeed()
	if err != nil {
		return nil, err
	}
	priv, _, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	logger.Warn("no signing key configured; using an ephemeral key", "key_id", keyID)
	return kms.NewEd25519KeyManager(keyID, issuer, priv)
}

func evidenceValidator(cfg config.EvidenceConfig, logger *slog.Logger) evidence.Validator {
	if !cfg.CheckRemote {
		return evidence.FormatValidator{}
	}
	timeout := evidence.DefaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	opts := []evidence.Option{
		evidence.WithClient(&http.Client{Timeout: timeout}),
		evidence.WithLogger(logger),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, evidence.WithAttempts(cfg.MaxRetries+1))
	}
	return evidence.NewHTTPValidator(opts...)
}

func attestationPlatforms(cfg config.AttestationConfig) ([]attestation.PlatformConfig, error) {
	out := make([]attestation.PlatformConfig, 0, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		pc := attestation.PlatformConfig{
			Platform: attestation.Platform(p.Platform),
			Issuer:   p.Issuer,
			Audience: p.Audience,
			JWKSURL:  p.JWKSURL,
		}
		if p.PublicKey != "" {
			raw, err := p.DecodePublicKey()
			if err != nil {
				return nil, fmt.Errorf("attestation platform %s: %w", p.Platform, err)
			}
			pc.PublicKey = ed25519.PublicKey(raw)
		}
		out = append(out, pc)
	}
	return out, nil
}

// envSnapshot is the non-secret configuration frozen into each decision BOM.
func envSnapshot(cfg config.Config) map[string]string {
	return map[string]string{
		"db_driver":       firstNonEmpty(cfg.DB.Driver, config.DriverMemory),
		"devices_backend": firstNonEmpty(cfg.Devices.Backend, config.DevicesStore),
		"evidence_remote": fmt.Sprintf("%t", cfg.Evidence.CheckRemote),
		"token_ttl":       cfg.TokenTTL().String(),
	}
}
