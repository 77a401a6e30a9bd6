// Package app assembles the trips service: the communication fabric (broker,
// rpc, events, registry, scheduler) and the trip domain (store, planner,
// pings, reroute, notifications) are built from one config and run as a
// single process.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/admin"
	"github.com/samfms/core/internal/alerts"
	"github.com/samfms/core/internal/auth"
	"github.com/samfms/core/internal/breaker"
	"github.com/samfms/core/internal/broker"
	"github.com/samfms/core/internal/config"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/events"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/notify"
	"github.com/samfms/core/internal/pings"
	"github.com/samfms/core/internal/planner"
	"github.com/samfms/core/internal/providers"
	"github.com/samfms/core/internal/registry"
	"github.com/samfms/core/internal/reroute"
	"github.com/samfms/core/internal/rpc"
	"github.com/samfms/core/internal/scheduler"
	"github.com/samfms/core/internal/store"
	"github.com/samfms/core/internal/trips"
)

// Retention windows for the store sweepers.
const (
	locationHistoryKeep = 90 * 24 * time.Hour
	trackingSessionIdle = 24 * time.Hour
)

// App owns every component of the running trips service.
type App struct {
	mu         sync.Mutex
	cfg        *config.Config
	configPath string
	version    string
	log        *zap.Logger
	mc         *metrics.Collector

	store    *store.Store
	bus      *broker.Client
	redis    *redis.Client
	breakers *breaker.Group
	registry *registry.Registry
	prober   *registry.Prober
	auth     *auth.Service
	pub      *events.Publisher
	sub      *events.Subscriber
	fanout   *notify.Fanout
	alerts   *alerts.Engine
	monitor  *pings.Monitor
	reroute  *reroute.Engine
	trips    *trips.Service
	dedup    *rpc.Deduper
	dedupMem *rpc.MemoryStore
	router   *rpc.Router
	server   *rpc.Server
	client   *rpc.Client
	sched    *scheduler.Scheduler
	admin    *admin.Server
	watcher  *config.Watcher

	cancel context.CancelFunc
	ranOut chan struct{} // closed when the scheduler goroutine returns
}

// New builds the service from cfg. Nothing touches the network until Start.
func New(cfg *config.Config, configPath, version string) (*App, error) {
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		version:    version,
		log:        logging.Global(),
		mc:         metrics.NewCollector(),
		store:      store.New(),
		ranOut:     make(chan struct{}),
	}

	a.bus = broker.New(broker.Config{
		URL:            cfg.Broker.URL,
		Heartbeat:      cfg.Broker.Heartbeat,
		MaxRetries:     cfg.Broker.MaxRetries,
		PublishTimeout: cfg.Broker.PublishTimeout,
		Prefetch:       cfg.Broker.Prefetch,
	}, a.log, a.mc)

	a.breakers = breaker.NewGroup(breaker.Settings{
		Threshold:        cfg.Breaker.Threshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMax,
	}, a.log, a.mc)

	a.registry = registry.New(cfg.Registry.HeartbeatTTL, a.log, a.mc)
	a.prober = registry.NewProber(a.registry, registry.ProberConfig{
		Interval:      cfg.Registry.ProbeInterval,
		PassThreshold: cfg.Registry.PassThreshold,
		FailThreshold: cfg.Registry.FailThreshold,
	}, a.log)

	// Distributed dedup implies a multi-replica deployment, so the token
	// cache shares the same redis and replicas see each other's entries.
	if cfg.Requests.Dedup.Mode == "distributed" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var dedupStore rpc.Store
	if a.redis != nil {
		dedupStore = rpc.NewRedisStore(a.redis, cfg.Service.Name, a.log)
	} else {
		a.dedupMem = rpc.NewMemoryStore()
		dedupStore = a.dedupMem
	}
	a.dedup = rpc.NewDeduper(dedupStore, cfg.Requests.Dedup.ReplayWindow, cfg.Requests.Dedup.EntryTTL, a.log, a.mc)

	var cache auth.TokenCache
	if a.redis != nil {
		cache = auth.NewRedisCache(a.redis, cfg.Service.Name, cfg.Auth.TokenCacheTTL, a.log)
	} else {
		cache = auth.NewMemoryCache(cfg.Auth.TokenCacheSize, cfg.Auth.TokenCacheTTL)
	}
	verifier, err := a.buildVerifier()
	if err != nil {
		return nil, err
	}
	a.auth = auth.NewService(cache, verifier, a.log, a.mc)

	a.pub = events.NewPublisher(events.PublisherConfig{
		Service:     cfg.Service.Name,
		CompressMin: cfg.Events.CompressMin,
	}, a.bus, a.log, a.mc)
	a.sub = events.NewSubscriber(events.SubscriberConfig{
		Service:    cfg.Service.Name,
		MaxRetries: cfg.Events.MaxRetries,
		RetryDelay: cfg.Events.RetryDelay,
		QueueTTL:   cfg.Events.QueueTTL,
		MaxLength:  cfg.Events.MaxLength,
		DLQEnabled: cfg.Events.DLQEnabled,
		Prefetch:   cfg.Broker.Prefetch,
	}, a.bus, a.log, a.mc)

	dir := notify.NewMemoryDirectory()
	a.fanout = notify.NewFanout(notify.FanoutConfig{}, a.store, dir, a.pub, a.log, a.mc)
	if err := trips.RegisterMirrors(a.sub, a.store, dir, a.log); err != nil {
		return nil, err
	}

	a.alerts, err = alerts.NewEngine(cfg.Alerts.Rules, a.fanout, a.log, a.mc)
	if err != nil {
		return nil, err
	}

	provs := providers.NewHTTP(cfg.Traffic.Provider, a.breakers, a.log)
	pln := planner.New(planner.Config{
		MaxSamples: cfg.Planner.MaxSamples,
		TopDrivers: cfg.Planner.TopDrivers,
	}, a.store, provs, provs, a.log, a.mc)

	a.monitor = pings.NewMonitor(pings.Config{
		Interval:          cfg.Pings.Interval,
		Grace:             cfg.Pings.Grace,
		DefaultSpeedLimit: cfg.Pings.DefaultSpeedLimit,
	}, a.store, nil, a.fanout, a.log, a.mc)

	a.reroute = reroute.New(reroute.Config{
		MinimumTimeSavings: cfg.Traffic.MinimumTimeSavings,
		MaxAlternatives:    cfg.Traffic.MaxAlternatives,
		RecommendationTTL:  cfg.Traffic.RecommendationTTL,
	}, a.store, provs, provs, a.fanout, a.pub, a.log, a.mc)

	a.wireAlerts()

	a.trips = trips.New(trips.Config{
		AnalyticsTTL: cfg.Analytics.CacheTTL,
	}, a.store, pln, a.monitor, a.reroute, a.pub, a.auth, a.log)

	a.router = rpc.NewRouter()
	a.trips.Register(a.router)
	for endpoint, timeout := range cfg.Requests.EndpointTimeouts {
		a.router.SetTimeout(endpoint, timeout)
	}

	a.server = rpc.NewServer(rpc.ServerConfig{
		Service:        cfg.Service.Name,
		Prefetch:       cfg.Broker.Prefetch,
		DefaultTimeout: cfg.Requests.DefaultTimeout,
	}, a.bus, a.router, a.dedup, a.log, a.mc)
	a.client = rpc.NewClient(rpc.ClientConfig{
		Service: cfg.Service.Name,
		Timeout: cfg.Requests.DefaultTimeout,
	}, a.bus, a.log)

	a.sched = scheduler.New(a.log, a.mc)
	if err := a.registerTasks(); err != nil {
		return nil, err
	}

	a.admin = admin.New(cfg.Admin, cfg.Service.Name, version, a.log, a.mc)
	a.wireAdmin()

	return a, nil
}

func (a *App) buildVerifier() (auth.Verifier, error) {
	cfg := a.cfg
	switch cfg.Auth.Mode {
	case "local":
		return auth.NewLocalVerifier(cfg.Auth.JWTSecret)
	default:
		client := registry.NewClient(a.registry, 0)
		return auth.NewRemoteVerifier(client, a.breakers.For(cfg.Auth.SecurityService), cfg.Auth.SecurityService), nil
	}
}

// wireAlerts feeds violations and reroute recommendations through the rule
// engine.
func (a *App) wireAlerts() {
	a.monitor.OnViolation(func(ctx context.Context, trip *store.Trip, v *store.Violation, count int) {
		a.alerts.Evaluate(ctx, alerts.Env{
			Type:       v.Type,
			TripID:     trip.ID,
			DriverID:   trip.DriverID,
			VehicleID:  trip.VehicleID,
			Priority:   trip.Priority,
			SpeedOver:  v.SpeedOverKMH,
			Violations: count,
		})
	})
	a.reroute.OnRecommend(func(ctx context.Context, trip *store.Trip, rec *store.RouteRecommendation) {
		a.alerts.Evaluate(ctx, alerts.Env{
			Type:      alerts.IncidentReroute,
			TripID:    trip.ID,
			DriverID:  trip.DriverID,
			VehicleID: trip.VehicleID,
			Priority:  trip.Priority,
			Severity:  rec.TrafficSeverity,
		})
	})
}

func (a *App) registerTasks() error {
	type task struct {
		name     string
		interval time.Duration
		jitter   time.Duration
		run      func(context.Context) error
	}
	tasks := []task{
		{"token-cache-sweep", 5 * time.Minute, 30 * time.Second, a.auth.SweepTask()},
		{"dedup-sweep", 30 * time.Minute, time.Minute, a.dedup.SweepTask()},
		{"traffic-recheck", a.cfg.Traffic.CheckInterval, 15 * time.Second, a.reroute.RunCycle},
		{"recommendation-expiry", 5 * time.Minute, 30 * time.Second, a.reroute.ExpireTask},
		{"ping-watchdog", a.cfg.Pings.Interval, 5 * time.Second, a.monitor.Watchdog},
		{"analytics-cache-sweep", 5 * time.Minute, 30 * time.Second, a.trips.AnalyticsSweepTask()},
		{"location-history-purge", 24 * time.Hour, time.Hour, pings.PurgeLocationHistoryTask(a.store, locationHistoryKeep, a.log)},
		{"stale-tracking-close", 24 * time.Hour, time.Hour, pings.CloseStaleTrackingTask(a.store, trackingSessionIdle, a.log)},
	}
	for _, t := range tasks {
		if err := a.sched.Register(t.name, t.interval, t.jitter, t.run); err != nil {
			return err
		}
	}
	return nil
}

// wireAdmin attaches dependency checks and component snapshots to the probe
// surface.
func (a *App) wireAdmin() {
	a.admin.AddCheck("broker", func(ctx context.Context) error {
		if !a.bus.Connected() {
			return errs.Broker("not connected")
		}
		return nil
	})
	if a.redis != nil {
		a.admin.AddCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}

	a.admin.AddStats("broker", func() any { return a.bus.Stats() })
	a.admin.AddStats("breakers", func() any { return a.breakers.Snapshots() })
	a.admin.AddStats("registry", func() any { return a.registry.List() })
	a.admin.AddStats("scheduler", func() any { return a.sched.Tasks() })
	a.admin.AddStats("notifications", func() any { return a.fanout.Stats() })
	dedupMode := a.cfg.Requests.Dedup.Mode
	a.admin.AddStats("dedup", func() any {
		stats := map[string]any{"mode": dedupMode}
		if a.dedupMem != nil {
			stats["entries"] = a.dedupMem.Len()
		}
		return stats
	})
}

// Start connects the broker, declares the topology, begins consuming and
// kicks off the background loops.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	cfg := a.cfg // not yet shared with the watcher

	if err := a.bus.Connect(ctx); err != nil {
		return err
	}
	if err := a.pub.Setup(ctx); err != nil {
		return err
	}
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	if err := a.sub.Start(ctx); err != nil {
		return err
	}
	if err := a.admin.Start(); err != nil {
		return err
	}
	a.registerSelf()

	go a.prober.Run(ctx)
	go func() {
		defer close(a.ranOut)
		a.sched.Run(ctx)
	}()

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath)
		if err != nil {
			a.log.Warn("config watcher unavailable", zap.Error(err))
		} else {
			w.OnChange(a.applyConfig)
			if err := w.Start(); err != nil {
				a.log.Warn("config watcher failed to start", zap.Error(err))
			} else {
				a.watcher = w
			}
		}
	}

	a.log.Info("trips service started",
		zap.String("service", cfg.Service.Name),
		zap.String("version", a.version),
		zap.Int("endpoints", len(a.router.Prefixes())),
		zap.Bool("admin", cfg.Admin.Enabled))
	return nil
}

// registerSelf puts this instance in its own registry so the prober keeps
// the admin health surface honest and /status lists the local endpoint.
func (a *App) registerSelf() {
	cfg := a.cfg
	ep := registry.Endpoint{
		Name:    cfg.Service.Name,
		Version: cfg.Service.Version,
		Host:    cfg.Service.Host,
		Port:    cfg.Service.Port,
		Status:  "healthy",
	}
	if cfg.Admin.Enabled {
		ep.HealthURL = fmt.Sprintf("http://%s:%d/health", cfg.Service.Host, cfg.Admin.Port)
	}
	if err := a.registry.Register(ep); err != nil {
		a.log.Warn("self-registration failed", zap.Error(err))
	}
}

// Run starts the service and blocks until a shutdown signal arrives. SIGHUP
// reloads the config file; SIGINT and SIGTERM shut down gracefully.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if err := a.Reload(); err != nil {
				a.log.Error("config reload failed", zap.Error(err))
			}
		default:
			a.log.Info("shutting down", zap.String("signal", sig.String()))
			return a.Shutdown(30 * time.Second)
		}
	}
	return nil
}

// Reload re-reads the config file and applies the hot-reloadable knobs.
func (a *App) Reload() error {
	next, err := config.NewLoader().Load(a.configPath)
	if err != nil {
		return err
	}
	a.applyConfig(next)
	return nil
}

// applyConfig applies what can change live: log level, alert rules and the
// reroute tunables. Anything else logs a restart-required warning so a
// drifted file is never silently half-applied.
func (a *App) applyConfig(next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	if next.Logging.Level != prev.Logging.Level {
		logging.SetLevel(next.Logging.Level)
		a.log.Info("log level changed", zap.String("level", next.Logging.Level))
	}
	if err := a.alerts.Reload(next.Alerts.Rules); err != nil {
		a.log.Error("alert rules rejected, keeping previous set", zap.Error(err))
	}
	a.reroute.Reconfigure(reroute.Config{
		MinimumTimeSavings: next.Traffic.MinimumTimeSavings,
		MaxAlternatives:    next.Traffic.MaxAlternatives,
		RecommendationTTL:  next.Traffic.RecommendationTTL,
	})
	for endpoint, timeout := range next.Requests.EndpointTimeouts {
		a.router.SetTimeout(endpoint, timeout)
	}

	restartRequired := map[string][2]string{
		"broker.url":   {prev.Broker.URL, next.Broker.URL},
		"service.name": {prev.Service.Name, next.Service.Name},
		"redis.addr":   {prev.Redis.Addr, next.Redis.Addr},
		"auth.mode":    {prev.Auth.Mode, next.Auth.Mode},
		"dedup.mode":   {prev.Requests.Dedup.Mode, next.Requests.Dedup.Mode},
	}
	for name, pair := range restartRequired {
		if pair[0] != pair[1] {
			a.log.Warn("config change needs a restart", zap.String("field", name))
		}
	}
	a.log.Info("config applied",
		zap.Duration("minimum_time_savings", next.Traffic.MinimumTimeSavings),
		zap.Int("alert_rules", len(next.Alerts.Rules)))
}

// Shutdown stops consumers, drains the scheduler and closes the broker.
func (a *App) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.mu.Lock()
	service := a.cfg.Service.Name
	a.mu.Unlock()
	a.registry.SetStatus(service, "stopping")
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.log.Warn("config watcher stop failed", zap.Error(err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	// Let the scheduler finish in-flight tasks before the transports go.
	select {
	case <-a.ranOut:
	case <-ctx.Done():
		a.log.Warn("scheduler did not drain in time")
	}

	if err := a.admin.Shutdown(ctx); err != nil {
		a.log.Warn("admin shutdown failed", zap.Error(err))
	}
	a.fanout.Close()
	a.dedup.Close()
	if err := a.bus.Close(); err != nil {
		a.log.Warn("broker close failed", zap.Error(err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", zap.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}
