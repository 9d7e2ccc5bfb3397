// ABOUTME: Entry point for the fleetlink coordinator.
// ABOUTME: Serves the ingestion endpoint, the certificate bootstrap and metrics.

package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleetlink/internal/config"
	"github.com/2389/fleetlink/internal/coordinator"
	"github.com/2389/fleetlink/internal/metrics"
	"github.com/2389/fleetlink/internal/notify"
	"github.com/2389/fleetlink/internal/queue"
	"github.com/2389/fleetlink/internal/secchan"
	"github.com/2389/fleetlink/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
   __ _           _   _ _       _
  / _| | ___  ___| |_| (_)_ __ | | __
 | |_| |/ _ \/ _ \ __| | | '_ \| |/ /
 |  _| |  __/  __/ |_| | | | | |   <
 |_| |_|\___|\___|\__|_|_|_| |_|_|\_\
`

// getConfigPath returns the path to the coordinator config file.
// Priority: FLEETLINK_CONFIG env var > ~/.config/fleetlink/coordinator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEETLINK_CONFIG"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coordinator.yaml"
	}
	return filepath.Join(home, ".config", "fleetlink", "coordinator.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := getConfigPath()
	cfg, err := config.LoadCoordinator(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Fprintf(os.Stderr, "%s\n", banner)
	gray.Fprintf(os.Stderr, "  fleetlink-coordinator %s\n\n", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	key, cert, err := loadServerIdentity(cfg)
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	sched := queue.NewScheduler(st, cfg.Queue.LeaseDuration, m)
	fanout := notify.NewFanout(st, cfg.Queue.ShardCount, cfg.Queue.NotifyExpiry, notify.NewShardCounter(), m)

	peers := secchan.NewIdentityCache()
	codec := secchan.NewCodec(secchan.CoordinatorIdentity, key, peers)
	srv := coordinator.NewServer(cfg, st, sched, fanout, codec, cert, key)

	httpSrv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("ingestion endpoint listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: m.Handler()}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		defer metricsSrv.Close()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// loadServerIdentity loads, or generates on first start, the coordinator
// key and self-signed certificate.
func loadServerIdentity(cfg *config.CoordinatorConfig) (*rsa.PrivateKey, *x509.Certificate, error) {
	keyPEM, keyErr := os.ReadFile(cfg.Server.KeyPath)
	certPEM, certErr := os.ReadFile(cfg.Server.CertPath)
	if keyErr == nil && certErr == nil {
		key, err := secchan.ParseKeyPEM(keyPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing server key: %w", err)
		}
		cert, err := secchan.ParseCertPEM(certPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing server certificate: %w", err)
		}
		return key, cert, nil
	}

	key, err := secchan.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating server key: %w", err)
	}
	cert, err := secchan.SelfSignedCert(key, serverCertValidity)
	if err != nil {
		return nil, nil, fmt.Errorf("issuing server certificate: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Server.KeyPath), 0700); err != nil {
		return nil, nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(cfg.Server.KeyPath, secchan.EncodeKeyPEM(key), 0600); err != nil {
		return nil, nil, fmt.Errorf("writing server key: %w", err)
	}
	if err := os.WriteFile(cfg.Server.CertPath, secchan.EncodeCertPEM(cert), 0644); err != nil {
		return nil, nil, fmt.Errorf("writing server certificate: %w", err)
	}
	slog.Info("generated new server identity", "cert", cfg.Server.CertPath)
	return key, cert, nil
}

// serverCertValidity is the lifetime of a freshly generated certificate.
const serverCertValidity = 10 * 365 * 24 * time.Hour
