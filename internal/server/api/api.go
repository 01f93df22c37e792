// Package api is the server's HTTP surface: agent-facing endpoints for
// metric upload, config sync, and bandwidth testing, each behind a
// uniform API-key / agent-ID / rate-limit middleware chain, plus a
// Prometheus self-observability endpoint.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/server/bandwidth"
	"github.com/macwilam/linksense/internal/server/configsvc"
	"github.com/macwilam/linksense/internal/server/metrics"
	"github.com/macwilam/linksense/internal/server/metricstore"
	"github.com/macwilam/linksense/internal/server/registry"
	"github.com/macwilam/linksense/internal/task"
)

// Config holds the parts of config.Server the API surface needs.
type Config struct {
	APIKey              string
	AgentIDWhitelist    []string
	RateLimitEnabled    bool
	RateLimitWindowSecs int
	RateLimitMax        int
	BandwidthTestSizeMB int
}

// Server is the agent-facing HTTP API plus a separate /metrics
// (Prometheus) endpoint.
type Server struct {
	cfg         Config
	reg         *registry.Registry
	store       *metricstore.Store
	configs     *configsvc.Service
	bandwidth   *bandwidth.Coordinator
	logger      netpipe.SLogger
	whitelist   map[string]struct{}
	limiters    *lru.Cache[string, *rate.Limiter]
	router      *mux.Router
	promHandler http.Handler
}

// New builds a Server wired to its backing services.
func New(cfg Config, reg *registry.Registry, store *metricstore.Store, configs *configsvc.Service, coordinator *bandwidth.Coordinator, logger netpipe.SLogger) (*Server, error) {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	limiters, err := lru.New[string, *rate.Limiter](4096)
	if err != nil {
		return nil, fmt.Errorf("api: create rate limiter cache: %w", err)
	}
	whitelist := make(map[string]struct{}, len(cfg.AgentIDWhitelist))
	for _, id := range cfg.AgentIDWhitelist {
		whitelist[id] = struct{}{}
	}

	s := &Server{
		cfg:         cfg,
		reg:         reg,
		store:       store,
		configs:     configs,
		bandwidth:   coordinator,
		logger:      logger,
		whitelist:   whitelist,
		limiters:    limiters,
		promHandler: promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the composed net/http.Handler for the whole server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", s.promHandler).Methods(http.MethodGet)

	agent := r.PathPrefix("/api/v1").Subrouter()
	agent.Use(s.withObservability)
	agent.Use(s.authMiddleware)
	agent.Use(s.agentIDMiddleware)
	agent.Use(s.rateLimitMiddleware)

	agent.HandleFunc("/metrics", s.handleUploadMetrics).Methods(http.MethodPost)
	agent.HandleFunc("/config/verify", s.handleConfigVerify).Methods(http.MethodGet)
	agent.HandleFunc("/config/upload", s.handleConfigUpload).Methods(http.MethodPost)
	agent.HandleFunc("/bandwidth_test", s.handleBandwidthTest).Methods(http.MethodPost)
	agent.HandleFunc("/bandwidth_download", s.handleBandwidthDownload).Methods(http.MethodGet)
	return r
}

type contextKey string

const agentIDContextKey contextKey = "agent_id"

func agentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentIDContextKey).(string)
	return id
}

// withObservability records request count/latency by route template.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		metrics.ObserveRequest(req.URL.Path, sw.status, start)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// authMiddleware enforces X-API-Key equals the configured server key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-API-Key") != s.cfg.APIKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// agentIDMiddleware enforces a parseable X-Agent-ID, checked against the
// whitelist when one is configured.
func (s *Server) agentIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		agentID := req.Header.Get("X-Agent-ID")
		if !task.ValidAgentID(agentID) {
			http.Error(w, "invalid agent id", http.StatusForbidden)
			return
		}
		if len(s.whitelist) > 0 {
			if _, ok := s.whitelist[agentID]; !ok {
				http.Error(w, "agent not whitelisted", http.StatusForbidden)
				return
			}
		}
		ctx := context.WithValue(req.Context(), agentIDContextKey, agentID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// rateLimitMiddleware applies a per-agent token-bucket limiter, lazily
// created and cached in an LRU bounded by total distinct agents seen.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !s.cfg.RateLimitEnabled {
			next.ServeHTTP(w, req)
			return
		}
		agentID := agentIDFromContext(req.Context())
		limiter, ok := s.limiters.Get(agentID)
		if !ok {
			window := time.Duration(s.cfg.RateLimitWindowSecs) * time.Second
			ratePerSec := rate.Limit(float64(s.cfg.RateLimitMax) / window.Seconds())
			limiter = rate.NewLimiter(ratePerSec, s.cfg.RateLimitMax)
			s.limiters.Add(agentID, limiter)
		}
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// uploadEnvelope mirrors internal/uploader's wire format.
type uploadEnvelope struct {
	Kind       task.Kind         `json:"kind"`
	EnqueuedAt int64             `json:"enqueued_at"`
	Aggregates []json.RawMessage `json:"aggregates"`
}

func (s *Server) handleUploadMetrics(w http.ResponseWriter, req *http.Request) {
	agentID := agentIDFromContext(req.Context())

	var env uploadEnvelope
	if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	serverHash, hasConfig, err := s.configs.CurrentHash(agentID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	clientHash := req.Header.Get("X-Config-Hash")
	if hasConfig && clientHash != serverHash {
		metrics.ConfigMismatchTotal.WithLabelValues(agentID).Inc()
		w.WriteHeader(http.StatusConflict)
		return
	}

	now := time.Now()
	taskName := fmt.Sprintf("unknown-%d", env.EnqueuedAt)
	for i, agg := range env.Aggregates {
		periodStart := env.EnqueuedAt + int64(i)
		var window struct {
			PeriodStart int64 `json:"period_start"`
		}
		if err := json.Unmarshal(agg, &window); err == nil && window.PeriodStart != 0 {
			periodStart = window.PeriodStart
		}
		name := taskName
		if extracted, ok := extractTaskName(agg); ok {
			name = extracted
		}
		if err := s.store.Put(env.Kind, agentID, name, periodStart, agg, now); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	if _, err := s.reg.Touch(agentID, int64(len(env.Aggregates))); err != nil {
		s.logger.Info("api: failed to update agent registration", "error", err.Error())
	}
	w.WriteHeader(http.StatusOK)
}

// extractTaskName pulls the embedded AggregateBase.TaskName out of a raw
// aggregate payload without needing the concrete per-kind type.
func extractTaskName(raw json.RawMessage) (string, bool) {
	var base struct {
		TaskName string `json:"task_name"`
	}
	if err := json.Unmarshal(raw, &base); err != nil || base.TaskName == "" {
		return "", false
	}
	return base.TaskName, true
}

func (s *Server) handleConfigVerify(w http.ResponseWriter, req *http.Request) {
	agentID := agentIDFromContext(req.Context())
	configData, hash, ok, err := s.configs.Verify(agentID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, req)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"config_data": configData, "config_hash": hash})
}

// configUploadBody mirrors internal/configsync's uploadBody wire format.
type configUploadBody struct {
	Kind       string `json:"kind"`
	Error      string `json:"error,omitempty"`
	ConfigData string `json:"config_data,omitempty"`
}

func (s *Server) handleConfigUpload(w http.ResponseWriter, req *http.Request) {
	agentID := agentIDFromContext(req.Context())
	var body configUploadBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	switch body.Kind {
	case "error":
		s.configs.ReportError(agentID, body.Error)
		w.WriteHeader(http.StatusOK)
	case "config":
		raw, err := decodeBase64(body.ConfigData)
		if err != nil {
			http.Error(w, "malformed config_data", http.StatusBadRequest)
			return
		}
		if _, err := s.configs.RegisterIfAbsent(agentID, raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, `kind must be "error" or "config"`, http.StatusBadRequest)
	}
}

func (s *Server) handleBandwidthTest(w http.ResponseWriter, req *http.Request) {
	agentID := agentIDFromContext(req.Context())
	decision := s.bandwidth.Test(req.Context(), agentID)
	switch decision.Action {
	case bandwidth.ActionProceed:
		sizeBytes := int64(s.cfg.BandwidthTestSizeMB) * 1024 * 1024
		writeJSON(w, http.StatusOK, map[string]any{"action": "proceed", "data_size_bytes": sizeBytes})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"action": "delay", "delay_seconds": decision.DelaySeconds})
	}
}

func (s *Server) handleBandwidthDownload(w http.ResponseWriter, req *http.Request) {
	agentID := agentIDFromContext(req.Context())
	if !s.bandwidth.Authorized(req.Context(), agentID) {
		http.Error(w, "not your turn", http.StatusForbidden)
		return
	}
	sizeBytes := int64(s.cfg.BandwidthTestSizeMB) * 1024 * 1024
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.bandwidth.StreamDownload(req.Context(), w, agentID, sizeBytes); err != nil {
		s.logger.Info("api: bandwidth stream ended early", "agent_id", agentID, "error", err.Error())
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
