// ABOUTME: Entry point for the fleetlink agent.
// ABOUTME: Runs the polling loop and the processing loop over shared mailboxes.

package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/2389/fleetlink/internal/agent"
	"github.com/2389/fleetlink/internal/config"
	"github.com/2389/fleetlink/internal/mailbox"
	"github.com/2389/fleetlink/internal/metrics"
	"github.com/2389/fleetlink/internal/secchan"
)

// Version is set at build time.
var version = "dev"

// getConfigPath returns the path to the agent config file.
// Priority: FLEETLINK_AGENT_CONFIG env var > ~/.config/fleetlink/agent.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEETLINK_AGENT_CONFIG"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent.yaml"
	}
	return filepath.Join(home, ".config", "fleetlink", "agent.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := getConfigPath()
	cfg, err := config.LoadAgent(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("fleetlink-agent starting", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	key, err := loadOrCreateKey(cfg.Identity.KeyPath)
	if err != nil {
		return err
	}
	identity := secchan.IdentityForKey(&key.PublicKey)
	logger.Info("agent identity", "identity", identity)

	roots, err := loadRoots(cfg.Servers.CertPath)
	if err != nil {
		return err
	}

	m := metrics.New()
	outbox := mailbox.New(cfg.Mailbox.OutBytes, cfg.Mailbox.MaxPolls,
		mailbox.WithGauge(func(v float64) { m.MailboxBytes.WithLabelValues("out").Set(v) }))
	inbox := mailbox.New(cfg.Mailbox.InBytes, cfg.Mailbox.MaxPolls,
		mailbox.WithGauge(func(v float64) { m.MailboxBytes.WithLabelValues("in").Set(v) }))

	txlog, err := agent.OpenTxLog(cfg.Identity.StatePath)
	if err != nil {
		return fmt.Errorf("opening transaction log: %w", err)
	}
	defer txlog.Close()

	registry := agent.NewRegistry()
	registry.Register(agent.EchoAction{})

	processor := agent.NewProcessor(inbox, outbox, registry, txlog, nil)
	if err := processor.ReplayJournal(ctx); err != nil {
		return fmt.Errorf("replaying journal: %w", err)
	}

	peers := secchan.NewIdentityCache()
	codec := secchan.NewCodec(identity, key, peers)
	engine := agent.NewEngine(agent.Options{
		Config:    cfg,
		Codec:     codec,
		Key:       key,
		Roots:     roots,
		Outbox:    outbox,
		Inbox:     inbox,
		Processor: processor,
		Metrics:   m,
	})

	procDone := make(chan error, 1)
	go func() {
		procDone <- processor.Run(ctx)
	}()

	err = engine.Run(ctx)

	// Stop the processing loop cooperatively and wait for it to finish
	// its in-flight action.
	if stopErr := processor.Stop(context.Background()); stopErr != nil {
		logger.Error("stopping processor failed", "error", stopErr)
	}
	<-procDone

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// loadOrCreateKey loads the agent key, generating one on first start.
func loadOrCreateKey(path string) (*rsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := secchan.ParseKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parsing agent key: %w", err)
		}
		return key, nil
	}
	key, err := secchan.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating agent key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, secchan.EncodeKeyPEM(key), 0600); err != nil {
		return nil, fmt.Errorf("writing agent key: %w", err)
	}
	return key, nil
}

// loadRoots builds the trust pool from the pinned coordinator certificate.
func loadRoots(path string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pinned certificate %s: %w", path, err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// setupLogger builds the agent logger; agents always log single-line text.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
