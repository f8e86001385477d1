// Command covault runs the local credential vault as an MCP server on
// stdio. All state lives in a single libSQL database under ~/.covault.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/covault/covault/internal/audit"
	"github.com/covault/covault/internal/credstore"
	"github.com/covault/covault/internal/grants"
	"github.com/covault/covault/internal/logging"
	"github.com/covault/covault/internal/pii"
	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/internal/substitute"
	"github.com/covault/covault/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "covault:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	env, err := newEnvelope(cfg)
	if err != nil {
		return err
	}
	defer env.Destroy()

	validator, err := newValidator(cfg)
	if err != nil {
		return fmt.Errorf("load PII categories: %w", err)
	}

	auditor, err := audit.New(ctx, s, logger)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}

	creds := credstore.New(s, env, validator, auditor, logger)

	policy, err := grants.NewPolicyEngine()
	if err != nil {
		return fmt.Errorf("init policy engine: %w", err)
	}
	authority := grants.NewAuthority(s, policy, auditor, logger)

	sweeper, err := grants.NewSweeper(authority, cfg.SweepSchedule, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	engine := substitute.NewEngine(creds, authority, auditor, substitute.Config{
		PoolSize: cfg.PoolSize,
	}, logger)
	defer engine.Shutdown()

	srv := mcp.NewVaultServer(mcp.VaultServerDeps{
		Creds:     creds,
		Authority: authority,
		Engine:    engine,
		Auditor:   auditor,
		Validator: validator,
		Store:     s,
		Logger:    logger,
	})

	logger.Info("covault serving on stdio", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	// Logs go to stderr; stdout belongs to the MCP transport.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func newEnvelope(cfg Config) (*credstore.Envelope, error) {
	ec := credstore.EnvelopeConfig{
		Passphrase: cfg.Passphrase,
		Iterations: cfg.KDFIterations,
	}
	if cfg.MasterKeyHex != "" {
		key, err := hex.DecodeString(cfg.MasterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode COVAULT_MASTER_KEY: %w", err)
		}
		ec.MasterKey = key
	}
	if cfg.SaltHex != "" {
		salt, err := hex.DecodeString(cfg.SaltHex)
		if err != nil {
			return nil, fmt.Errorf("decode COVAULT_SALT: %w", err)
		}
		ec.Salt = salt
	}
	return credstore.NewEnvelope(ec)
}

func newValidator(cfg Config) (*pii.Validator, error) {
	if cfg.PIISchemaPath != "" {
		return pii.LoadFile(cfg.PIISchemaPath)
	}
	return pii.LoadDefault()
}
