// Package registry tracks peer service endpoints and their health. Discovery
// only hands out endpoints that are currently healthy, so a caller never
// dials a peer the prober has already written off.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

// Endpoint statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
	StatusStarting  = "starting"
	StatusStopping  = "stopping"
)

// DefaultHeartbeatTTL is how stale a heartbeat may be before an endpoint
// stops counting as healthy.
const DefaultHeartbeatTTL = 30 * time.Second

// Endpoint describes one registered service instance.
type Endpoint struct {
	Name          string            `json:"name"`
	Version       string            `json:"version,omitempty"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Status        string            `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	HealthURL     string            `json:"health_url,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// BaseURL returns the endpoint's HTTP base.
func (e Endpoint) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// IsHealthy reports whether the endpoint is usable: status healthy and a
// heartbeat fresher than the default TTL.
func (e Endpoint) IsHealthy() bool {
	return e.Status == StatusHealthy && time.Since(e.LastHeartbeat) < DefaultHeartbeatTTL
}

// Registry is the in-memory endpoint map.
type Registry struct {
	mu        sync.RWMutex
	ttl       time.Duration
	endpoints map[string]*Endpoint
	now       func() time.Time
	log       *zap.Logger
	mc        *metrics.Collector
}

// New creates a registry. heartbeatTTL <= 0 uses the 30s default.
func New(heartbeatTTL time.Duration, log *zap.Logger, mc *metrics.Collector) *Registry {
	if heartbeatTTL <= 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	if log == nil {
		log = logging.Global()
	}
	return &Registry{
		ttl:       heartbeatTTL,
		endpoints: make(map[string]*Endpoint),
		now:       time.Now,
		log:       log.With(zap.String("component", "registry")),
		mc:        mc,
	}
}

// SetClock replaces the registry's time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds or replaces an endpoint. A missing status starts as
// "starting"; the first heartbeat or probe pass promotes it.
func (r *Registry) Register(ep Endpoint) error {
	if ep.Name == "" {
		return errs.Validation("endpoint name is required")
	}
	if ep.Host == "" || ep.Port <= 0 {
		return errs.Validation("endpoint %s needs host and port", ep.Name)
	}
	if ep.Status == "" {
		ep.Status = StatusStarting
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ep.LastHeartbeat.IsZero() {
		ep.LastHeartbeat = r.now()
	}
	cp := ep
	r.endpoints[ep.Name] = &cp
	r.log.Info("endpoint registered",
		zap.String("service", ep.Name),
		zap.String("addr", fmt.Sprintf("%s:%d", ep.Host, ep.Port)))
	return nil
}

// Deregister removes an endpoint. Unknown names are ignored.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[name]; ok {
		delete(r.endpoints, name)
		r.log.Info("endpoint deregistered", zap.String("service", name))
	}
}

// Heartbeat refreshes an endpoint's heartbeat and marks it healthy.
func (r *Registry) Heartbeat(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return errs.NotFound("service %s is not registered", name)
	}
	ep.LastHeartbeat = r.now()
	ep.Status = StatusHealthy
	r.mc.SetServiceHealth(name, true)
	return nil
}

// SetStatus overrides an endpoint's status, for lifecycle transitions like
// stopping. Unknown names are ignored.
func (r *Registry) SetStatus(name, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[name]; ok {
		ep.Status = status
	}
}

// markProbe applies a prober verdict. A pass also refreshes the heartbeat.
func (r *Registry) markProbe(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return
	}
	prev := ep.Status
	if healthy {
		ep.Status = StatusHealthy
		ep.LastHeartbeat = r.now()
	} else {
		ep.Status = StatusUnhealthy
	}
	if prev != ep.Status {
		r.log.Warn("endpoint status changed",
			zap.String("service", name),
			zap.String("from", prev),
			zap.String("to", ep.Status))
	}
	r.mc.SetServiceHealth(name, healthy)
}

// Get returns the endpoint regardless of health.
func (r *Registry) Get(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// List returns every endpoint sorted by name.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover returns the endpoint only when it is healthy right now.
func (r *Registry) Discover(name string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, errs.Wrap(errs.ErrServiceDiscovery, errs.KindServiceUnavailable,
			"service %s is not registered", name)
	}
	if !r.healthyLocked(ep) {
		return Endpoint{}, errs.Wrap(errs.ErrServiceDiscovery, errs.KindServiceUnavailable,
			"service %s has no healthy endpoint", name)
	}
	return *ep, nil
}

func (r *Registry) healthyLocked(ep *Endpoint) bool {
	return ep.Status == StatusHealthy && r.now().Sub(ep.LastHeartbeat) < r.ttl
}
