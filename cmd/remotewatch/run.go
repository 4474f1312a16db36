package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/remotewatch/agent/internal/agent"
	"github.com/remotewatch/agent/internal/audit"
	"github.com/remotewatch/agent/internal/config"
	"github.com/remotewatch/agent/internal/queue"
	grpcserver "github.com/remotewatch/agent/internal/server/grpc"
	"github.com/remotewatch/agent/internal/server/rest"
	"github.com/remotewatch/agent/internal/server/storage"
	"github.com/remotewatch/agent/internal/server/websocket"
	"github.com/remotewatch/agent/internal/transport"
	"github.com/remotewatch/agent/internal/watcher"
)

const (
	// journalRetention is how long delivered rows stay in the journal.
	journalRetention = 24 * time.Hour
	pruneInterval    = time.Hour
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the configured resources and serve the control API",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "/etc/remotewatch/config.yaml", "path to the YAML configuration file")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	// Load and validate configuration.
	cfg, err := config.LoadConfig(runConfigPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", runConfigPath),
		slog.String("base_url", cfg.BaseURL),
		slog.String("poll_interval", cfg.PollInterval.String()),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("health_addr", cfg.HealthAddr),
		slog.Int("resources", len(cfg.Resources)),
	)

	pubKey, err := loadPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		return err
	}
	if pubKey == nil {
		logger.Warn("jwt_public_key_path not configured; control API authentication disabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ── Scheduler ─────────────────────────────────────────────────────────────
	tr, err := transport.NewHTTP(transport.HTTPConfig{
		BaseURL:      cfg.BaseURL,
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.RequestTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	metrics := watcher.NewMetrics()
	sched := watcher.New(tr, watcher.Options{
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		Metrics:      metrics,
	})

	opts := []agent.Option{}

	// ── Event store and journal ───────────────────────────────────────────────
	var store *storage.Store
	var journal *queue.SQLiteQueue
	if cfg.PostgresDSN != "" {
		store, err = storage.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		journal, err = queue.New(cfg.JournalPath)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithQueue(journal), agent.WithSink(store))
		logger.Info("PostgreSQL event store connected", slog.String("journal_path", cfg.JournalPath))
	} else {
		logger.Warn("no postgres_dsn configured; event journal and history disabled")
	}

	// ── Audit log ─────────────────────────────────────────────────────────────
	if cfg.AuditLogPath != "" {
		auditLog, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := auditLog.Close(); err != nil {
				logger.Warn("audit log close error", slog.Any("error", err))
			}
		}()
		opts = append(opts, agent.WithAuditor(auditLog))
	}

	// ── Event stream ──────────────────────────────────────────────────────────
	bc := websocket.NewBroadcaster(logger, 0)
	defer bc.Close()
	opts = append(opts, agent.WithPublisher(bc))

	ag := agent.New(cfg, logger, sched, opts...)

	// ── Control API ───────────────────────────────────────────────────────────
	srvOpts := []rest.ServerOption{
		rest.WithStream(websocket.NewHandler(bc, logger, 10*time.Second)),
		rest.WithMetrics(metrics.Handler()),
		rest.WithLogger(logger),
	}
	if store != nil {
		srvOpts = append(srvOpts, rest.WithEventStore(store))
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rest.NewRouter(rest.NewServer(ag, srvOpts...), pubKey, rest.WithAuthLogger(logger)),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	var healthServer *grpcserver.Server
	if cfg.HealthAddr != "" {
		healthServer, err = grpcserver.New(grpcserver.Config{Addr: cfg.HealthAddr, TLS: cfg.HealthTLS}, logger, ag)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := ag.Start(gctx); err != nil {
		return err
	}
	defer ag.Stop()

	g.Go(func() error {
		logger.Info("control API listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control API shutdown error", slog.Any("error", err))
		}
		return nil
	})

	if healthServer != nil {
		g.Go(func() error {
			return healthServer.Serve(gctx)
		})
	}

	g.Go(func() error {
		w := config.NewWatcher(runConfigPath, logger, 0, ag.Reconcile)
		if err := w.Run(gctx); err != nil {
			logger.Warn("config reload disabled", slog.Any("error", err))
		}
		return nil
	})

	if journal != nil {
		g.Go(func() error {
			pruneJournal(gctx, journal, logger)
			return nil
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}

	// Graceful shutdown: stop polling and drain the event pipeline before the
	// deferred store and audit closes run.
	ag.Stop()
	bc.Close()

	if err != nil {
		return err
	}
	logger.Info("remotewatch exited cleanly")
	return nil
}

// pruneJournal removes delivered journal rows older than journalRetention
// until ctx is cancelled.
func pruneJournal(ctx context.Context, q *queue.SQLiteQueue, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Prune(ctx, time.Now().Add(-journalRetention))
			if err != nil {
				logger.Warn("journal prune failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Debug("journal pruned", slog.Int64("rows", n))
			}
		}
	}
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key: %w", err)
	}
	return rest.ParseRSAPublicKey(pem)
}
