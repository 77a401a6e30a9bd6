// Package pings tracks driver liveness on in-progress trips. Drivers report
// position on a fixed interval; the monitor derives speed, checks the speed
// limit, and a watchdog turns silent intervals into missed ping violations.
package pings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/notify"
	"github.com/samfms/core/internal/store"
)

// SpeedLimitProvider resolves the limit at a position in km/h.
type SpeedLimitProvider interface {
	SpeedLimit(ctx context.Context, at geo.Point) (float64, error)
}

// StaticSpeedLimit is a fixed limit everywhere.
type StaticSpeedLimit float64

func (s StaticSpeedLimit) SpeedLimit(ctx context.Context, at geo.Point) (float64, error) {
	return float64(s), nil
}

// ViolationHook observes recorded violations; the alert engine hangs off
// this. Hooks run synchronously on the recording path and must be fast.
type ViolationHook func(ctx context.Context, trip *store.Trip, v *store.Violation, count int)

// Config tunes the monitor.
type Config struct {
	// Interval is the expected gap between driver pings.
	Interval time.Duration
	// Grace extends the interval before a miss is recorded.
	Grace time.Duration
	// DefaultSpeedLimit applies when the provider has no answer. km/h.
	DefaultSpeedLimit float64
}

func (cfg Config) withDefaults() Config {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.DefaultSpeedLimit <= 0 {
		cfg.DefaultSpeedLimit = 50
	}
	return cfg
}

// Ping is one driver report.
type Ping struct {
	TripID    string    `json:"trip_id"`
	Location  geo.Point `json:"location"`
	SpeedKMH  *float64  `json:"speed_kmh,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Result is the monitor's answer to a ping.
type Result struct {
	PingReceivedAt     time.Time `json:"ping_received_at"`
	NextPingExpectedAt time.Time `json:"next_ping_expected_at"`
	SessionActive      bool      `json:"session_active"`
	ViolationsCount    int       `json:"violations_count"`
	SpeedLimit         float64   `json:"speed_limit"`
	CurrentSpeed       float64   `json:"current_speed"`
	IsSpeeding         bool      `json:"is_speeding"`
	SpeedOverLimit     float64   `json:"speed_over_limit"`
}

// Monitor owns ping sessions and the miss watchdog.
type Monitor struct {
	cfg    Config
	store  *store.Store
	limits SpeedLimitProvider
	fanout *notify.Fanout
	log    *zap.Logger
	mc     *metrics.Collector

	now   func() time.Time
	hooks []ViolationHook
}

func NewMonitor(cfg Config, st *store.Store, limits SpeedLimitProvider, fanout *notify.Fanout, log *zap.Logger, mc *metrics.Collector) *Monitor {
	if log == nil {
		log = logging.Global()
	}
	cfg = cfg.withDefaults()
	if limits == nil {
		limits = StaticSpeedLimit(cfg.DefaultSpeedLimit)
	}
	return &Monitor{
		cfg:    cfg,
		store:  st,
		limits: limits,
		fanout: fanout,
		log:    log,
		mc:     mc,
		now:    time.Now,
	}
}

// SetClock overrides the monitor's time source. Tests only.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// OnViolation registers a hook. Call during assembly, before traffic flows.
func (m *Monitor) OnViolation(h ViolationHook) {
	m.hooks = append(m.hooks, h)
}

// StartSession opens the ping session when a trip starts.
func (m *Monitor) StartSession(tripID, driverID string) (*store.PingSession, error) {
	return m.store.CreatePingSession(tripID, driverID, m.cfg.Interval)
}

// EndSession closes the session; terminal trip transitions do this through
// the store, this covers pause semantics if an operator wants them.
func (m *Monitor) EndSession(tripID string) {
	m.store.ClosePingSession(tripID)
}

// HandlePing processes one driver report. The trip must be in progress with
// an open session. Speed comes from the report when present, otherwise from
// distance over time since the previous ping.
func (m *Monitor) HandlePing(ctx context.Context, p Ping) (*Result, error) {
	trip, err := m.store.GetTrip(p.TripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != store.TripInProgress {
		return nil, errs.Conflict("trip %s is %s, pings need an in-progress trip", trip.ID, trip.Status)
	}
	session, err := m.store.ActivePingSession(p.TripID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}

	speed := m.speedOf(p, session, ts)
	limit := m.limitAt(ctx, p.Location)
	speeding := speed > limit
	over := 0.0
	if speeding {
		over = speed - limit
	}

	session, err = m.store.UpdatePingSession(p.TripID, func(ps *store.PingSession) {
		ps.LastPingAt = ts
		ps.NextPingExpectedAt = now.Add(m.cfg.Interval)
		loc := p.Location
		ps.LastPosition = &loc
	})
	if err != nil {
		return nil, err
	}

	if trip.VehicleID != "" {
		if err := m.store.UpsertVehicleLocation(store.VehicleLocation{
			VehicleID: trip.VehicleID,
			Position:  p.Location,
			SpeedKMH:  speed,
			Timestamp: ts,
		}); err != nil {
			m.log.Warn("vehicle location update failed", zap.String("trip_id", trip.ID), zap.Error(err))
		}
		if err := m.store.TouchTrackingSession(p.TripID); err != nil {
			m.log.Debug("tracking session touch failed", zap.String("trip_id", trip.ID), zap.Error(err))
		}
	}

	violations := session.ViolationsCount
	if speeding {
		details := fmt.Sprintf("%.1f km/h in a %.0f km/h zone", speed, limit)
		v, count := m.store.RecordViolation(trip.ID, store.ViolationSpeeding, details, over, ts)
		violations = count
		m.mc.RecordPingViolation(store.ViolationSpeeding)
		m.fireHooks(ctx, trip, v, count)
		m.log.Warn("speeding violation",
			zap.String("trip_id", trip.ID),
			zap.String("driver_id", session.DriverID),
			zap.Float64("speed_kmh", speed),
			zap.Float64("limit_kmh", limit))
	}

	m.mc.RecordPing()
	return &Result{
		PingReceivedAt:     ts,
		NextPingExpectedAt: session.NextPingExpectedAt,
		SessionActive:      session.IsActive,
		ViolationsCount:    violations,
		SpeedLimit:         limit,
		CurrentSpeed:       speed,
		IsSpeeding:         speeding,
		SpeedOverLimit:     over,
	}, nil
}

// speedOf prefers the reported speed and falls back to distance over time
// from the previous ping. First pings and non-monotonic timestamps read as
// stationary.
func (m *Monitor) speedOf(p Ping, session *store.PingSession, ts time.Time) float64 {
	if p.SpeedKMH != nil {
		return *p.SpeedKMH
	}
	if session.LastPosition == nil {
		return 0
	}
	dt := ts.Sub(session.LastPingAt).Seconds()
	if dt <= 0 {
		return 0
	}
	return geo.Haversine(*session.LastPosition, p.Location) / dt * 3.6
}

func (m *Monitor) limitAt(ctx context.Context, at geo.Point) float64 {
	limit, err := m.limits.SpeedLimit(ctx, at)
	if err != nil || limit <= 0 {
		if err != nil {
			m.log.Debug("speed limit lookup failed, using default", zap.Error(err))
		}
		return m.cfg.DefaultSpeedLimit
	}
	return limit
}

// Watchdog sweeps active sessions for missed pings. Each sweep records at
// most one violation per overdue session and rolls the expectation forward,
// so a driver silent for many intervals is not punished per-interval within
// one miss window. Runs under the scheduler.
func (m *Monitor) Watchdog(ctx context.Context) error {
	now := m.now()
	for _, session := range m.store.ListActivePingSessions() {
		deadline := session.NextPingExpectedAt.Add(m.cfg.Grace)
		if !now.After(deadline) {
			continue
		}

		overdue := now.Sub(session.LastPingAt).Round(time.Second)
		details := fmt.Sprintf("no ping for %s (expected every %s)", overdue, m.cfg.Interval)
		v, count := m.store.RecordViolation(session.TripID, store.ViolationMissedPing, details, 0, now)
		if _, err := m.store.UpdatePingSession(session.TripID, func(ps *store.PingSession) {
			ps.NextPingExpectedAt = now.Add(m.cfg.Interval)
		}); err != nil {
			// Session closed between list and update; violation stands.
			m.log.Debug("ping session vanished during sweep", zap.String("trip_id", session.TripID))
		}
		m.mc.RecordPingViolation(store.ViolationMissedPing)

		trip, err := m.store.GetTrip(session.TripID)
		if err != nil {
			m.log.Warn("missed ping on unknown trip", zap.String("trip_id", session.TripID), zap.Error(err))
			continue
		}

		m.log.Warn("missed ping",
			zap.String("trip_id", trip.ID),
			zap.String("driver_id", session.DriverID),
			zap.Int("violations", count),
			zap.Duration("overdue", overdue))
		m.notifyDispatch(ctx, trip, session, count)
		m.fireHooks(ctx, trip, v, count)
	}
	return nil
}

func (m *Monitor) notifyDispatch(ctx context.Context, trip *store.Trip, session *store.PingSession, count int) {
	if m.fanout == nil {
		return
	}
	_, err := m.fanout.Send(ctx, notify.Message{
		Roles: []string{"dispatcher"},
		Type:  store.ViolationMissedPing,
		Title: "Driver unresponsive",
		Body:  fmt.Sprintf("driver %s has not pinged on trip %s (%d violations)", session.DriverID, trip.Name, count),
		Data: map[string]any{
			"trip_id":    trip.ID,
			"driver_id":  session.DriverID,
			"vehicle_id": trip.VehicleID,
			"violations": count,
		},
	})
	if err != nil {
		m.log.Warn("missed ping notification failed", zap.String("trip_id", trip.ID), zap.Error(err))
	}
}

func (m *Monitor) fireHooks(ctx context.Context, trip *store.Trip, v *store.Violation, count int) {
	for _, h := range m.hooks {
		h(ctx, trip, v, count)
	}
}
