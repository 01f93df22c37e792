// Package server wires the registry, metric sink, config service,
// bandwidth coordinator, reconfiguration engine, and HTTP API into the
// single long-running process described by server.toml.
package server

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/macwilam/linksense/internal/config"
	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/server/api"
	"github.com/macwilam/linksense/internal/server/bandwidth"
	"github.com/macwilam/linksense/internal/server/configsvc"
	"github.com/macwilam/linksense/internal/server/metricstore"
	"github.com/macwilam/linksense/internal/server/reconfigure"
	"github.com/macwilam/linksense/internal/server/registry"
)

// Server is one running server process.
type Server struct {
	cfg    config.Server
	logger netpipe.SLogger

	registry    *registry.Registry
	metricStore *metricstore.Store
	sweeper     *metricstore.RetentionSweeper
	configs     *configsvc.Service
	bandwidth   *bandwidth.Coordinator
	reconfigure *reconfigure.Engine
	api         *api.Server
	httpServer  *http.Server
}

// New loads and wires every subsystem from cfg, ready to Run.
func New(cfg config.Server, logger netpipe.SLogger) (*Server, error) {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		return nil, err
	}
	metricStore, err := metricstore.Open(filepath.Join(cfg.DataDir, "metrics.db"))
	if err != nil {
		reg.Close()
		return nil, err
	}
	configs, err := configsvc.New(cfg.AgentConfigsDir, reg)
	if err != nil {
		reg.Close()
		metricStore.Close()
		return nil, err
	}

	coordinator := bandwidth.New(int64(cfg.BandwidthTestSizeMB) * 1024 * 1024)

	watchDir := filepath.Join(filepath.Dir(filepath.Clean(cfg.AgentConfigsDir)), "reconfigure")
	engine := reconfigure.New(watchDir, configs, cfg.ReconfigureCheckIntervalSecs, logger)

	apiCfg := api.Config{
		APIKey:              cfg.APIKey,
		AgentIDWhitelist:    cfg.AgentIDWhitelist,
		RateLimitEnabled:    cfg.RateLimitEnabled,
		RateLimitWindowSecs: cfg.RateLimitWindowSeconds,
		RateLimitMax:        cfg.RateLimitMax,
		BandwidthTestSizeMB: cfg.BandwidthTestSizeMB,
	}
	apiServer, err := api.New(apiCfg, reg, metricStore, configs, coordinator, logger)
	if err != nil {
		reg.Close()
		metricStore.Close()
		return nil, err
	}

	sweeper := metricstore.NewRetentionSweeper(metricStore, cfg.RetentionDays, cfg.CleanupIntervalHours)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		metricStore: metricStore,
		sweeper:     sweeper,
		configs:     configs,
		bandwidth:   coordinator,
		reconfigure: engine,
		api:         apiServer,
		httpServer:  &http.Server{Addr: cfg.ListenAddr, Handler: apiServer.Handler()},
	}, nil
}

// Run starts the bandwidth coordinator actor, the reconfiguration watch
// cron, the retention sweep cron, and the HTTP listener, blocking until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.bandwidth.Run()

	if err := s.reconfigure.Start(s.cfg.ReconfigureCheckIntervalSecs); err != nil {
		return err
	}
	if err := s.sweeper.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops the HTTP listener, the reconfiguration cron, and the
// bandwidth actor, then closes both stores. Safe to call once.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Info("server: http shutdown error", "error", err.Error())
	}
	s.reconfigure.Stop()
	s.sweeper.Stop()
	s.bandwidth.Stop()

	var firstErr error
	if err := s.metricStore.Close(); err != nil {
		firstErr = err
	}
	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
