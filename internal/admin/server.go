// Package admin serves the process's own probe surface over plain HTTP:
// liveness with dependency checks, prometheus metrics, and a status snapshot
// of the fabric internals. The rpc transport stays on the broker; this
// listener exists so orchestrators and the registry prober can reach the
// service without a broker round trip.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/config"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

// checkTimeout bounds each dependency check on /health.
const checkTimeout = 2 * time.Second

// Check reports one dependency's health.
type Check func(ctx context.Context) error

// StatsFunc returns one component's status snapshot for /status.
type StatsFunc func() any

type namedCheck struct {
	name  string
	check Check
}

type namedStats struct {
	name  string
	stats StatsFunc
}

// Server is the local admin endpoint.
type Server struct {
	cfg     config.AdminConfig
	service string
	version string
	log     *zap.Logger
	mc      *metrics.Collector

	checks []namedCheck
	stats  []namedStats

	httpSrv *http.Server
	started time.Time
	now     func() time.Time
}

func New(cfg config.AdminConfig, service, version string, log *zap.Logger, mc *metrics.Collector) *Server {
	if log == nil {
		log = logging.Global()
	}
	return &Server{
		cfg:     cfg,
		service: service,
		version: version,
		log:     log,
		mc:      mc,
		now:     time.Now,
	}
}

// AddCheck registers a dependency check evaluated on every /health request.
// Call during assembly, before Start.
func (s *Server) AddCheck(name string, check Check) {
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

// AddStats registers a component snapshot served under /status. Call during
// assembly, before Start.
func (s *Server) AddStats(name string, stats StatsFunc) {
	s.stats = append(s.stats, namedStats{name: name, stats: stats})
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/status", s.handleStatus)
	if s.mc != nil {
		r.Handler(http.MethodGet, "/metrics", s.mc.Handler())
	}
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, errs.NotFound("no admin endpoint at %s", req.URL.Path))
	})
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		s.log.Error("admin handler panic", zap.String("path", req.URL.Path), zap.Any("panic", v))
		s.writeError(w, req, errs.Internal("internal error"))
	}
	return r
}

// Start binds the listener when the endpoint is enabled. Serving happens in
// the background; failures after bind are logged, not returned.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		s.log.Info("admin endpoint disabled")
		return nil
	}
	s.started = s.now()
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("admin endpoint listening", zap.Int("port", s.cfg.Port))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin endpoint stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	results := make(map[string]any, len(s.checks))
	for _, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.check(ctx)
		cancel()
		if err != nil {
			healthy = false
			results[c.name] = map[string]any{"status": "failed", "error": err.Error()}
			continue
		}
		results[c.name] = map[string]any{"status": "ok"}
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	now := s.now()
	writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   s.service,
		"version":   s.version,
		"uptime":    now.Sub(s.started).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
		"checks":    results,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]any, len(s.stats))
	for _, p := range s.stats {
		components[p.name] = p.stats()
	}
	now := s.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    s.service,
		"version":    s.version,
		"uptime":     now.Sub(s.started).String(),
		"timestamp":  now.UTC().Format(time.RFC3339),
		"components": components,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	body := map[string]any{
		"code":      string(kind),
		"message":   err.Error(),
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"request": map[string]any{
			"method":     r.Method,
			"endpoint":   r.URL.Path,
			"request_id": uuid.NewString(),
		},
	}
	if e, ok := errs.AsError(err); ok && e.Details != "" {
		body["details"] = e.Details
	}
	if cid := r.Header.Get("X-Correlation-Id"); cid != "" {
		body["correlation_id"] = cid
	}
	writeJSON(w, errs.HTTPStatus(kind), map[string]any{
		"success": false,
		"error":   body,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
