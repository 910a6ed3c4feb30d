package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wrentheai/trust-infra/pkg/api"
	"github.com/wrentheai/trust-infra/pkg/archive"
	"github.com/wrentheai/trust-infra/pkg/audit"
	"github.com/wrentheai/trust-infra/pkg/auth"
	"github.com/wrentheai/trust-infra/pkg/capability"
	"github.com/wrentheai/trust-infra/pkg/config"
	"github.com/wrentheai/trust-infra/pkg/ledger"
	"github.com/wrentheai/trust-infra/pkg/observability"
	"github.com/wrentheai/trust-infra/pkg/ratelimit"
	"github.com/wrentheai/trust-infra/pkg/registry"
	"github.com/wrentheai/trust-infra/pkg/reputation"
	"github.com/wrentheai/trust-infra/pkg/store"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepTimeout    = 30 * time.Second
)

// runServer wires every component from configuration, serves until SIGINT or
// SIGTERM, then drains connections, stops the sweep, flushes telemetry, and
// closes the pool.
func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "trustd: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx := context.Background()

	st, err := store.Open(cfg.DatabaseURL, store.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: cfg.DBConnMaxIdle,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer st.Close()

	if err := st.Init(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		return 1
	}
	if err := st.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		return 1
	}
	logger.Info("store ready", "driver", driverName(cfg.DatabaseURL))

	blobs, err := archive.New(ctx, archive.Config{
		Type:       cfg.ArchiveStorageType,
		Dir:        cfg.ArchiveDir,
		S3Bucket:   cfg.ArchiveS3Bucket,
		S3Region:   cfg.ArchiveS3Region,
		S3Endpoint: cfg.ArchiveS3Endpoint,
		S3Prefix:   cfg.ArchiveS3Prefix,
		GCSBucket:  cfg.ArchiveGCSBucket,
		GCSPrefix:  cfg.ArchiveGCSPrefix,
	})
	if err != nil {
		logger.Error("failed to initialize archive", "error", err)
		return 1
	}
	logger.Info("archive ready", "type", cfg.ArchiveStorageType)

	limiter, err := ratelimit.New(cfg.RedisURL, cfg.RateLimitMax, cfg.RateLimitWindow)
	if err != nil {
		logger.Error("failed to initialize rate limiter", "error", err)
		return 1
	}
	defer limiter.Close()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.OTelServiceName
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.SampleRate = cfg.OTelSampleRate
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("failed to initialize observability", "error", err)
		return 1
	}

	auditLog := audit.NewLogger(logger)
	ledgerSvc := ledger.NewService(st.Events(), st.Agents(), logger)
	caps := capability.NewEngine(st.Capabilities(), st.Agents(), logger)

	srv, err := api.NewServer(api.Options{
		Registry:      registry.NewService(st.Agents(), logger),
		Ledger:        ledgerSvc,
		Exporter:      ledger.NewExporter(ledgerSvc, blobs),
		Capabilities:  caps,
		Reputation:    reputation.NewEngine(st.Reputation(), logger),
		Authenticator: auth.NewAuthenticator(cfg.ServiceAPIKey, st.Agents(), cfg.SignatureWindow),
		Limiter:       limiter,
		Audit:         auditLog,
		Observability: obs,
		Store:         st,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		return 1
	}

	stopSweep := startCapabilitySweep(caps, auditLog, cfg.CapabilitySweepInterval, logger)

	httpSrv := srv.NewHTTPServer(cfg.Addr())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustd listening", "addr", cfg.Addr(), "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		stopSweep()
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	stopSweep()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry flush failed", "error", err)
	}
	logger.Info("trustd stopped")
	return 0
}

// startCapabilitySweep expires stale capabilities on a ticker. The returned
// stop function blocks until the sweeper has exited.
func startCapabilitySweep(caps *capability.Engine, auditLog audit.Logger, interval time.Duration, logger *slog.Logger) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
				swept, err := caps.ExpireSweep(ctx)
				if err != nil {
					logger.Error("capability sweep failed", "error", err)
				} else if swept > 0 {
					auditLog.Record(ctx, audit.EventSystem, "capability.sweep", "capabilities",
						map[string]any{"swept": swept})
				}
				cancel()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func driverName(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "sqlite:") {
		return "sqlite"
	}
	return "postgres"
}
