// Package grpc serves the standard gRPC health service (grpc.health.v1) for
// the remotewatch agent so load balancers and orchestrators can check it
// without speaking the HTTP control API.
//
// Two services are reported:
//
//   - "" (the server as a whole) is SERVING while the agent reports "ok".
//   - [SchedulerService] is SERVING while polling is enabled and NOT_SERVING
//     after the watcher has been stopped through the control API.
//
// The listener is plaintext unless a certificate is configured; with a CA it
// also requires client certificates (mTLS).
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/remotewatch/agent/internal/agent"
	"github.com/remotewatch/agent/internal/config"
)

// SchedulerService is the health service name that tracks polling.
const SchedulerService = "remotewatch.v1.Scheduler"

// DefaultRefreshInterval is how often statuses are recomputed.
const DefaultRefreshInterval = 5 * time.Second

// HealthSource reports the agent's health. *agent.Agent satisfies it.
type HealthSource interface {
	Health() agent.HealthStatus
}

// Config holds the health server settings.
type Config struct {
	// Addr is the TCP listen address (e.g. "127.0.0.1:9001").
	Addr string

	// TLS is optional; see config.TLSConfig.
	TLS config.TLSConfig

	// RefreshInterval defaults to DefaultRefreshInterval.
	RefreshInterval time.Duration
}

// Server wraps a *grpc.Server exposing the health service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	source HealthSource
	grpc   *grpc.Server
	health *health.Server
}

// New builds a Server. TLS files are read here so configuration errors
// surface before anything starts.
func New(cfg Config, logger *slog.Logger, source HealthSource) (*Server, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled() {
		creds, err := loadTLSCredentials(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("grpc health: load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		source: source,
		grpc:   gs,
		health: hs,
	}
	s.Refresh()
	return s, nil
}

// Serve listens on cfg.Addr and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpc health: listen %s: %w", s.cfg.Addr, err)
	}

	mode := "plaintext"
	switch {
	case s.cfg.TLS.CAPath != "":
		mode = "mTLS"
	case s.cfg.TLS.Enabled():
		mode = "TLS"
	}
	s.logger.Info("gRPC health server listening",
		slog.String("addr", lis.Addr().String()),
		slog.String("tls", mode),
	)

	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener serves on lis and refreshes statuses every
// RefreshInterval. On ctx cancellation every service is marked NOT_SERVING
// and the server stops gracefully.
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	servErrCh := make(chan error, 1)
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			servErrCh <- err
		}
		close(servErrCh)
	}()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("gRPC health server: context cancelled, initiating graceful stop")
			s.health.Shutdown()
			s.grpc.GracefulStop()
			if err := <-servErrCh; err != nil {
				return fmt.Errorf("grpc health: serve after graceful stop: %w", err)
			}
			return nil
		case err := <-servErrCh:
			if err != nil {
				return fmt.Errorf("grpc health: serve: %w", err)
			}
			return nil
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Refresh recomputes every service status from the health source.
func (s *Server) Refresh() {
	h := s.source.Health()

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if h.Status == "ok" {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)

	polling := healthpb.HealthCheckResponse_NOT_SERVING
	if h.Polling {
		polling = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SchedulerService, polling)
}

// Stop stops the server immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}

func loadTLSCredentials(cfg config.TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAPath != "" {
		caPEM, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}

	return credentials.NewTLS(tlsConfig), nil
}
