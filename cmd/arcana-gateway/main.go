package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/davidahmann/arcana/internal/config"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf
var logOutput io.Writer = os.Stderr

type envFn func(string) string
type listenFn func(*http.Server) error
type serverFactory func(cfg config.Config, logger *slog.Logger) (*http.Server, error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("arcana-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to arcana config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("ARCANA_CONFIG_PATH")
	}

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("ARCANA_LISTEN_ADDR"), cfg.ListenAddr, ":8080")
	cfg.DB.DSN = firstNonEmpty(getenv("ARCANA_DB_DSN"), cfg.DB.DSN)
	if devKey := getenv("ARCANA_DEV_API_KEY"); devKey != "" {
		if cfg.Merchants == nil {
			cfg.Merchants = map[string]string{}
		}
		cfg.Merchants[devKey] = "dev"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	server, err := factory(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("arcana-gateway listening on " + cfg.ListenAddr)
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	service := firstNonEmpty(cfg.Telemetry.ServiceName, "arcana-gateway")
	logger := slog.New(slog.NewJSONHandler(logOutput, nil)).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

const readHeaderTimeout = 5 * time.Second
