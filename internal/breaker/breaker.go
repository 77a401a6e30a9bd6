// Package breaker guards calls to external dependencies with a three-state
// circuit. It wraps sony/gobreaker and translates its refusals into the
// service error taxonomy.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

// Settings tunes one breaker. Zero values fall back to the service defaults.
type Settings struct {
	Threshold        int           // consecutive failures before the circuit opens
	RecoveryTimeout  time.Duration // how long the circuit stays open
	HalfOpenMaxCalls int           // probe calls allowed while half-open
}

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 3
	}
	return s
}

// Breaker is one named circuit.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// New creates a breaker for the named dependency.
func New(name string, s Settings, log *zap.Logger, mc *metrics.Collector) *Breaker {
	s = s.withDefaults()
	if log == nil {
		log = logging.Global()
	}
	log = log.With(zap.String("dependency", name))

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(s.HalfOpenMaxCalls),
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(s.Threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed",
				zap.String("from", stateName(from)),
				zap.String("to", stateName(to)))
			mc.SetBreakerState(name, stateGauge(to))
		},
	})
	mc.SetBreakerState(name, metrics.StateClosed)
	return &Breaker{name: name, cb: cb}
}

// Do runs fn through the circuit. An open circuit or an exhausted half-open
// window returns ServiceUnavailable without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Wrap(err, errs.KindServiceUnavailable, "%s circuit open", b.name)
		}
		return nil, err
	}
	return v, nil
}

// Do runs fn through b and returns its typed result. Package-level because
// methods cannot introduce type parameters.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	v, err := b.Do(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state as a stable string.
func (b *Breaker) State() string { return stateName(b.cb.State()) }

// Snapshot is a point-in-time view for the admin surface.
type Snapshot struct {
	State                string `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Snapshot returns current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	c := b.cb.Counts()
	return Snapshot{
		State:                b.State(),
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveFailures:  c.ConsecutiveFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func stateGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.StateOpen
	case gobreaker.StateHalfOpen:
		return metrics.StateHalfOpen
	default:
		return metrics.StateClosed
	}
}

// Group hands out one breaker per dependency, created on first use with
// shared settings.
type Group struct {
	mu       sync.Mutex
	settings Settings
	log      *zap.Logger
	mc       *metrics.Collector
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group.
func NewGroup(s Settings, log *zap.Logger, mc *metrics.Collector) *Group {
	return &Group{
		settings: s.withDefaults(),
		log:      log,
		mc:       mc,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a dependency, creating it if needed.
func (g *Group) For(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = New(name, g.settings, g.log, g.mc)
		g.breakers[name] = b
	}
	return b
}

// Snapshots returns every breaker's snapshot keyed by dependency.
func (g *Group) Snapshots() map[string]Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Snapshot, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
