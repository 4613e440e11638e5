package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-bridge/internal/agent"
	"agent-bridge/internal/config"
	"agent-bridge/internal/conversation"
	"agent-bridge/internal/core"
	httpapi "agent-bridge/internal/http"
	"agent-bridge/internal/router"
	"agent-bridge/internal/sandbox"
	"agent-bridge/internal/security"
	"agent-bridge/internal/ws"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		binary     string
		logLevel   string
		sandboxOn  bool
	)
	flagSet := pflag.NewFlagSet("agent-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "path to YAML config file")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides config)")
	flagSet.StringVar(&binary, "agent-binary", "", "agent executable (overrides config and environment)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.BoolVar(&sandboxOn, "sandbox", false, "run agents under bubblewrap")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if binary != "" {
		cfg.Agent.Binary = binary
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("sandbox") {
		cfg.Sandbox.Enabled = sandboxOn
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	var roots []string
	if len(cfg.Agent.AllowRoots) > 0 {
		roots, err = security.NormalizeRoots(cfg.Agent.AllowRoots)
		if err != nil {
			return fmt.Errorf("invalid allow_roots: %w", err)
		}
	}

	storeCfg := conversation.Config{MaxBacklog: cfg.Agent.MaxBacklog, Logger: logger}
	if cfg.Journal.Path != "" {
		journal, err := conversation.OpenSQLiteJournal(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		storeCfg.Journal = journal
	}

	audit, err := core.NewAuditLogger(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer audit.Close()

	rt := router.New(router.Config{
		Addresses:  cfg.Router.Addresses,
		Namespaces: cfg.Router.Namespaces,
		Logger:     logger,
	})
	mgr := agent.NewManager(agent.Config{
		BinaryOverride: cfg.Agent.Binary,
		DefaultModel:   cfg.Agent.DefaultModel,
		AllowRoots:     roots,
		EnvPolicy:      security.NewEnvPolicy(cfg.Env.AllowKeys, cfg.Env.AllowPrefix),
		Sandbox:        sandbox.NewBwrapBuilder(cfg.Sandbox),
		StopGrace:      cfg.StopGrace(),
		StderrBytes:    cfg.Agent.StderrBytes,
		TerminalArgs:   cfg.Agent.TerminalArgs,
		Store:          conversation.NewStore(storeCfg),
		Out:            rt,
		Audit:          audit,
		Logger:         logger,
	})
	// Runs before the audit log and journal are closed; it blocks until
	// every agent process has exited.
	defer mgr.Close()

	api := &httpapi.Server{
		Backend:     mgr,
		Router:      rt,
		Auth:        &ws.Auth{Tokens: cfg.Tokens, Limiter: core.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateWindow())},
		CheckOrigin: cfg.CheckOrigin,
		Logger:      logger,
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if len(cfg.Tokens) == 0 {
		logger.Warn("no tokens configured; API is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent-bridge listening", "addr", cfg.Listen, "agent", mgr.Binary(), "sandbox", cfg.Sandbox.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("agent-bridge shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
