package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProberConfig tunes the health prober. Thresholds of 1 mean a single probe
// flips the status, which is the service default.
type ProberConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	PassThreshold int
	FailThreshold int
}

// Prober periodically checks registered endpoints. Endpoints with a health
// URL get an HTTP GET; a 2xx marks them healthy and refreshes the heartbeat,
// anything else marks them unhealthy. Endpoints without a health URL are aged
// out once their heartbeat goes stale.
type Prober struct {
	reg    *Registry
	client *http.Client
	cfg    ProberConfig
	log    *zap.Logger

	mu      sync.Mutex
	streaks map[string]*streak
}

type streak struct {
	pass int
	fail int
}

// NewProber creates a prober over reg.
func NewProber(reg *Registry, cfg ProberConfig, log *zap.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PassThreshold <= 0 {
		cfg.PassThreshold = 1
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 1
	}
	if log == nil {
		log = reg.log
	}
	return &Prober{
		reg: reg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg:     cfg,
		log:     log.With(zap.String("component", "prober")),
		streaks: make(map[string]*streak),
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll checks every registered endpoint concurrently and waits for the
// round to finish.
func (p *Prober) probeAll(ctx context.Context) {
	endpoints := p.reg.List()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			p.probe(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, ep Endpoint) {
	if ep.HealthURL == "" {
		p.ageHeartbeat(ep)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.HealthURL, nil)
	if err != nil {
		p.record(ep.Name, false, err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.record(ep.Name, false, err)
		return
	}
	resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	p.record(ep.Name, ok, nil)
}

// ageHeartbeat marks a heartbeat-only endpoint unhealthy once its heartbeat
// exceeds the registry TTL. Recovery comes from the next heartbeat, not from
// the prober.
func (p *Prober) ageHeartbeat(ep Endpoint) {
	p.reg.mu.RLock()
	stored, ok := p.reg.endpoints[ep.Name]
	stale := ok && p.reg.now().Sub(stored.LastHeartbeat) >= p.reg.ttl
	p.reg.mu.RUnlock()
	if stale {
		p.reg.markProbe(ep.Name, false)
	}
}

func (p *Prober) record(name string, ok bool, cause error) {
	p.mu.Lock()
	s := p.streaks[name]
	if s == nil {
		s = &streak{}
		p.streaks[name] = s
	}
	if ok {
		s.fail = 0
		s.pass++
	} else {
		s.pass = 0
		s.fail++
	}
	pass, fail := s.pass, s.fail
	p.mu.Unlock()

	if ok && pass >= p.cfg.PassThreshold {
		p.reg.markProbe(name, true)
		return
	}
	if !ok && fail >= p.cfg.FailThreshold {
		if cause != nil {
			p.log.Warn("health probe failed", zap.String("service", name), zap.Error(cause))
		}
		p.reg.markProbe(name, false)
	}
}
