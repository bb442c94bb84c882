package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/arcana/internal/config"
	"github.com/davidahmann/arcana/internal/crypto"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewServerInMemory(t *testing.T) {
	cfg := config.Config{ListenAddr: "127.0.0.1:9999", Merchants: map[string]string{"k1": "m1"}}
	srv, err := newServer(cfg, quietLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if srv.Addr != cfg.ListenAddr {
		t.Fatalf("expected addr %s, got %s", cfg.ListenAddr, srv.Addr)
	}

	res := httptest.NewRecorder()
	srv.Handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), defaultKeyID) {
		t.Fatalf("jwks: %d %s", res.Code, res.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/policy/import", strings.NewReader(`{"source_type":"text","source_content":"Returns within 30 days by mail."}`))
	req.Header.Set("Authorization", "Bearer k1")
	res = httptest.NewRecorder()
	srv.Handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("import: %d %s", res.Code, res.Body.String())
	}
}

func TestNewServerSQLite(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "arcana.db")
	cfg := config.Config{
		ListenAddr: ":0",
		DB:         config.DBConfig{Driver: config.DriverSQLite, DSN: dsn},
		Merchants:  map[string]string{"k1": "m1"},
		RateLimit:  config.RateLimitConfig{RPS: 100, Burst: 100},
	}
	srv, err := newServer(cfg, quietLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/ael/decisions", nil)
	req.Header.Set("Authorization", "Bearer k1")
	res := httptest.NewRecorder()
	srv.Handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("decisions: %d %s", res.Code, res.Body.String())
	}
}

func TestNewServerLoadsKeyFile(t *testing.T) {
	seed, err := crypto.GenerateSeed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(path, []byte(crypto.EncodeSeed(seed)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	cfg := config.Config{ListenAddr: ":0", SigningKey: config.SigningKeyConfig{KeyID: "prod-1", PrivateKeyPath: path}}
	srv, err := newServer(cfg, quietLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	res := httptest.NewRecorder()
	srv.Handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &jwks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jwks.Keys) != 1 || jwks.Keys[0].Kid != "prod-1" {
		t.Fatalf("unexpected jwks %s", res.Body.String())
	}

	cfg.SigningKey.PrivateKeyPath = filepath.Join(t.TempDir(), "missing.key")
	if _, err := newServer(cfg, quietLogger()); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestAttestationPlatforms(t *testing.T) {
	_, err := attestationPlatforms(config.AttestationConfig{Platforms: []config.PlatformConfig{{Platform: "claude", PublicKey: "bad"}}})
	if err == nil {
		t.Fatalf("expected decode error")
	}
	platforms, err := attestationPlatforms(config.AttestationConfig{Platforms: []config.PlatformConfig{{Platform: "gemini", JWKSURL: "https://example.com/jwks"}}})
	if err != nil || len(platforms) != 1 || platforms[0].JWKSURL == "" {
		t.Fatalf("unexpected platforms %+v err=%v", platforms, err)
	}
}

func TestRunDefaults(t *testing.T) {
	var logs bytes.Buffer
	oldOut := logOutput
	logOutput = &logs
	defer func() { logOutput = oldOut }()

	factory := func(cfg config.Config, _ *slog.Logger) (*http.Server, error) {
		if cfg.ListenAddr != ":8080" {
			t.Fatalf("expected default addr, got %s", cfg.ListenAddr)
		}
		if cfg.Merchants["dev-key"] != "dev" {
			t.Fatalf("expected dev api key mapping, got %v", cfg.Merchants)
		}
		return &http.Server{Addr: cfg.ListenAddr}, nil
	}
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		if key == "ARCANA_DEV_API_KEY" {
			return "dev-key"
		}
		return ""
	}

	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(logs.String(), "arcana-gateway listening on :8080") {
		t.Fatalf("expected startup log line, got %s", logs.String())
	}
}

func TestRunError(t *testing.T) {
	logOutput = io.Discard
	listenErr := errors.New("listen failed")
	listen := func(_ *http.Server) error { return listenErr }
	factory := func(cfg config.Config, _ *slog.Logger) (*http.Server, error) {
		return &http.Server{Addr: cfg.ListenAddr}, nil
	}
	getenv := func(key string) string {
		if key == "ARCANA_LISTEN_ADDR" {
			return "127.0.0.1:1234"
		}
		return ""
	}
	if err := run(nil, getenv, listen, factory); !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}

	factoryErr := errors.New("wiring failed")
	failing := func(config.Config, *slog.Logger) (*http.Server, error) { return nil, factoryErr }
	if err := run(nil, getenv, listen, failing); !errors.Is(err, factoryErr) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestRunLoadsConfigFile(t *testing.T) {
	logOutput = io.Discard
	dir := t.TempDir()
	path := filepath.Join(dir, "arcana.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\ndb:\n  driver: sqlite\n  dsn: file:from-config.db\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	factory := func(cfg config.Config, _ *slog.Logger) (*http.Server, error) {
		if cfg.ListenAddr != ":9999" {
			t.Fatalf("expected addr from config, got %s", cfg.ListenAddr)
		}
		if cfg.DB.DSN != "file:override.db" {
			t.Fatalf("expected dsn from env override, got %s", cfg.DB.DSN)
		}
		return &http.Server{Addr: cfg.ListenAddr}, nil
	}
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		switch key {
		case "ARCANA_CONFIG_PATH":
			return path
		case "ARCANA_DB_DSN":
			return "file:override.db"
		}
		return ""
	}
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := run([]string{"-config", filepath.Join(dir, "missing.yaml")}, getenv, listen, factory); err == nil {
		t.Fatalf("expected missing config error")
	}
	if err := run([]string{"-bogus"}, getenv, listen, factory); err == nil {
		t.Fatalf("expected flag error")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "a", "b"); got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}

func TestListenAndServeInvalidAddr(t *testing.T) {
	err := listenAndServe(&http.Server{Addr: "127.0.0.1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestMainNoError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func(args []string, envFn envFn, listenFn listenFn, serverFactory serverFactory) error {
		return nil
	}

	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if called {
		t.Fatalf("unexpected fatal call")
	}
}

func TestMainError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func(args []string, envFn envFn, listenFn listenFn, serverFactory serverFactory) error {
		return errors.New("boom")
	}

	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if !called {
		t.Fatalf("expected fatal call")
	}
}
