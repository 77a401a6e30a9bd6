// Package reroute watches in-progress trips for traffic and proposes better
// routes. A cycle probes congestion ahead of each tracked vehicle, generates
// alternatives on three strategies, filters the ones that merely shadow the
// current road, and records the best surviving proposal as a recommendation
// for dispatch to accept or reject.
package reroute

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/notify"
	"github.com/samfms/core/internal/providers"
	"github.com/samfms/core/internal/store"
)

// Traffic severity bands by flow ratio.
const (
	SeverityLight    = "light"
	SeverityModerate = "moderate"
	SeverityHeavy    = "heavy"
	SeveritySevere   = "severe"
)

// SeverityFor maps a flow ratio onto a severity band.
func SeverityFor(ratio float64) string {
	switch {
	case ratio < 1.3:
		return SeverityLight
	case ratio < 1.5:
		return SeverityModerate
	case ratio < 2.0:
		return SeverityHeavy
	default:
		return SeveritySevere
	}
}

// Alternative generation and filtering constants.
const (
	nativeAlternatives = 3
	similaritySamples  = 20
	// Alternatives more similar than this to the current route are noise.
	maxSimilarity = 0.70
	// Waypoint-forced alternatives share their endpoints' roads by
	// construction, so they get more room.
	maxSimilarityWaypoint = 0.85
	// Landmark detours only make sense on long hauls.
	landmarkMinDirectM = 100_000
	landmarkMinRatio   = 1.10
	landmarkMaxRatio   = 1.80
)

// landmarks are detour anchors for long-haul alternatives.
var landmarks = []struct {
	name string
	at   geo.Point
}{
	{"Johannesburg", geo.Point{Lat: -26.2041, Lng: 28.0473}},
	{"Pretoria", geo.Point{Lat: -25.7479, Lng: 28.2293}},
	{"Durban", geo.Point{Lat: -29.8587, Lng: 31.0218}},
	{"Bloemfontein", geo.Point{Lat: -29.0852, Lng: 26.1596}},
	{"Cape Town", geo.Point{Lat: -33.9249, Lng: 18.4241}},
	{"Gqeberha", geo.Point{Lat: -33.9608, Lng: 25.6022}},
	{"Polokwane", geo.Point{Lat: -23.9045, Lng: 29.4689}},
	{"Mbombela", geo.Point{Lat: -25.4753, Lng: 30.9694}},
}

// Config tunes the engine.
type Config struct {
	// MinimumTimeSavings gates recommendations. Heavy traffic halves it,
	// severe traffic cuts it to 30%.
	MinimumTimeSavings time.Duration
	// MaxAlternatives caps generated candidates per trip per cycle.
	MaxAlternatives int
	// RecommendationTTL is how long an unanswered recommendation lives.
	RecommendationTTL time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MinimumTimeSavings <= 0 {
		cfg.MinimumTimeSavings = 10 * time.Minute
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = 5
	}
	if cfg.RecommendationTTL <= 0 {
		cfg.RecommendationTTL = 30 * time.Minute
	}
	return cfg
}

// RecommendHook observes stored recommendations; the alert engine hangs off
// this. Hooks run synchronously on the recording path and must be fast.
type RecommendHook func(ctx context.Context, trip *store.Trip, rec *store.RouteRecommendation)

// Engine runs the reroute checks.
type Engine struct {
	mu      sync.RWMutex
	cfg     Config
	store   *store.Store
	routing providers.RoutingProvider
	traffic providers.TrafficProvider
	fanout  *notify.Fanout
	pub     notify.EventPublisher
	log     *zap.Logger
	mc      *metrics.Collector
	hooks   []RecommendHook

	now func() time.Time
}

func New(cfg Config, st *store.Store, routing providers.RoutingProvider, traffic providers.TrafficProvider, fanout *notify.Fanout, pub notify.EventPublisher, log *zap.Logger, mc *metrics.Collector) *Engine {
	if log == nil {
		log = logging.Global()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		store:   st,
		routing: routing,
		traffic: traffic,
		fanout:  fanout,
		pub:     pub,
		log:     log,
		mc:      mc,
		now:     time.Now,
	}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// OnRecommend registers a hook. Call during assembly, before cycles run.
func (e *Engine) OnRecommend(h RecommendHook) {
	e.hooks = append(e.hooks, h)
}

// Reconfigure swaps the engine tunables. Savings threshold, alternative cap
// and recommendation TTL take effect on the next cycle; the cycle interval
// itself is fixed at scheduler registration.
func (e *Engine) Reconfigure(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// RunCycle checks every in-progress trip once. Per-trip failures are logged
// and skipped; a cycle always completes. Registered as a scheduler task.
func (e *Engine) RunCycle(ctx context.Context) error {
	trips := e.store.ListActiveTrips()
	for _, trip := range trips {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.CheckTrip(ctx, trip); err != nil {
			e.log.Warn("reroute check failed",
				zap.String("trip_id", trip.ID),
				zap.Error(err))
		}
	}
	e.mc.RecordRerouteCycle(len(trips))
	return nil
}

// CheckTrip evaluates one trip. A nil, nil return means no recommendation
// was warranted; errors are provider failures worth logging.
func (e *Engine) CheckTrip(ctx context.Context, trip *store.Trip) (*store.RouteRecommendation, error) {
	if trip.Status != store.TripInProgress {
		return nil, nil
	}
	if trip.RouteInfo == nil || len(trip.RouteInfo.Coordinates) < 2 {
		return nil, nil
	}
	if pending := e.store.RecommendationsForTrip(trip.ID); len(pending) > 0 {
		return nil, nil
	}
	loc, err := e.store.GetVehicleLocation(trip.VehicleID)
	if err != nil {
		// Untracked vehicle; nothing to reroute from.
		return nil, nil
	}

	destination := trip.Destination.Location
	ratio, err := e.traffic.FlowRatio(ctx, loc.Position, destination, e.now())
	if err != nil {
		return nil, errs.Wrap(err, errs.KindUpstream, "traffic probe failed")
	}
	severity := SeverityFor(ratio)
	if severity == SeverityLight || severity == SeverityModerate {
		return nil, nil
	}

	current := remainingRoute(trip.RouteInfo, loc.Position)
	currentAdjustedS := current.DurationS * ratio

	best := e.bestAlternative(ctx, loc.Position, destination, current, currentAdjustedS, severity)
	if best == nil {
		e.log.Debug("congestion without a better route",
			zap.String("trip_id", trip.ID),
			zap.String("severity", severity),
			zap.Float64("flow_ratio", ratio))
		return nil, nil
	}

	savings := currentAdjustedS - best.adjustedS
	rec, err := e.store.InsertRecommendation(&store.RouteRecommendation{
		TripID:       trip.ID,
		VehicleID:    trip.VehicleID,
		CurrentRoute: current,
		RecommendedRoute: &store.RouteInfo{
			DistanceM:   best.route.DistanceM,
			DurationS:   best.adjustedS,
			Coordinates: best.route.Coordinates,
		},
		TimeSavingsS:    savings,
		TrafficSeverity: severity,
		Confidence:      confidence(savings),
		Reason: fmt.Sprintf("%s traffic ahead (flow ratio %.2f); %s route saves %.0f min",
			severity, ratio, best.kind, savings/60),
	})
	if err != nil {
		return nil, err
	}

	e.mc.RecordRecommendation("emitted")
	e.log.Info("reroute recommended",
		zap.String("trip_id", trip.ID),
		zap.String("recommendation_id", rec.ID),
		zap.String("severity", severity),
		zap.Float64("savings_min", savings/60),
		zap.Float64("confidence", rec.Confidence))
	e.announce(ctx, trip, rec)
	for _, h := range e.hooks {
		h(ctx, trip, rec)
	}
	return rec, nil
}

type scoredAlternative struct {
	route     *providers.Route
	kind      string // native, waypoint, landmark
	adjustedS float64
}

// bestAlternative generates, filters and scores candidates, returning the
// largest qualifying saving or nil.
func (e *Engine) bestAlternative(ctx context.Context, from, to geo.Point, current *store.RouteInfo, currentAdjustedS float64, severity string) *scoredAlternative {
	threshold := e.config().MinimumTimeSavings.Seconds()
	switch severity {
	case SeveritySevere:
		threshold *= 0.3
	case SeverityHeavy:
		threshold *= 0.5
	}

	var best *scoredAlternative
	for _, cand := range e.generate(ctx, from, to) {
		limit := maxSimilarity
		if cand.kind == "waypoint" {
			limit = maxSimilarityWaypoint
		}
		if sim := geo.Similarity(current.Coordinates, cand.route.Coordinates, similaritySamples); sim > limit {
			continue
		}

		altRatio, err := e.traffic.FlowRatio(ctx, cand.route.Midpoint(), to, e.now())
		if err != nil {
			e.log.Debug("alternative traffic probe failed", zap.String("kind", cand.kind), zap.Error(err))
			continue
		}
		cand.adjustedS = cand.route.DurationS * altRatio

		savings := currentAdjustedS - cand.adjustedS
		if savings < threshold {
			continue
		}
		if best == nil || cand.adjustedS < best.adjustedS {
			c := cand
			best = &c
		}
	}
	return best
}

// generate builds candidates on three strategies: the provider's own
// alternatives, perpendicular waypoint perturbations, and long-haul
// landmark detours. Output is capped at MaxAlternatives.
func (e *Engine) generate(ctx context.Context, from, to geo.Point) []scoredAlternative {
	limit := e.config().MaxAlternatives
	out := make([]scoredAlternative, 0, limit)
	full := func() bool { return len(out) >= limit }

	natives, err := e.routing.Alternatives(ctx, from, to, nativeAlternatives)
	if err != nil {
		e.log.Debug("native alternatives unavailable", zap.Error(err))
	}
	for _, r := range natives {
		if full() {
			return out
		}
		out = append(out, scoredAlternative{route: r, kind: "native"})
	}

	direct := geo.Haversine(from, to)
	for _, frac := range []float64{0.15, 0.30} {
		for _, side := range []float64{1, -1} {
			if full() {
				return out
			}
			wp := geo.PerpendicularOffset(from, to, 0.5, side*frac*direct)
			r, err := e.routing.Route(ctx, from, to, []geo.Point{wp})
			if err != nil {
				continue
			}
			out = append(out, scoredAlternative{route: r, kind: "waypoint"})
		}
	}

	if direct > landmarkMinDirectM {
		for _, lm := range landmarks {
			if full() {
				return out
			}
			via := geo.Haversine(from, lm.at) + geo.Haversine(lm.at, to)
			detour := via / direct
			if detour < landmarkMinRatio || detour > landmarkMaxRatio {
				continue
			}
			r, err := e.routing.Route(ctx, from, to, []geo.Point{lm.at})
			if err != nil {
				continue
			}
			out = append(out, scoredAlternative{route: r, kind: "landmark"})
		}
	}
	return out
}

// Accept swaps the trip onto the recommended route.
func (e *Engine) Accept(ctx context.Context, recommendationID string) (*store.Trip, error) {
	rec, err := e.store.GetRecommendation(recommendationID)
	if err != nil {
		return nil, err
	}
	trip, err := e.store.AcceptRecommendation(recommendationID)
	if err != nil {
		return nil, err
	}

	e.mc.RecordRecommendation("accepted")
	e.log.Info("reroute accepted",
		zap.String("trip_id", trip.ID),
		zap.String("recommendation_id", recommendationID))
	if e.pub != nil {
		if err := e.pub.Publish(ctx, "trips.route_changed", map[string]any{
			"trip_id":           trip.ID,
			"recommendation_id": recommendationID,
			"time_savings_s":    rec.TimeSavingsS,
		}); err != nil {
			e.log.Warn("route change event failed", zap.String("trip_id", trip.ID), zap.Error(err))
		}
	}
	if e.fanout != nil && trip.DriverID != "" {
		if _, err := e.fanout.Send(ctx, notify.Message{
			UserIDs: []string{trip.DriverID},
			Type:    "route_changed",
			Title:   "Route updated",
			Body:    fmt.Sprintf("trip %s now follows the recommended route, saving about %.0f min", trip.Name, rec.TimeSavingsS/60),
			Data:    map[string]any{"trip_id": trip.ID},
		}); err != nil {
			e.log.Warn("route change notification failed", zap.String("trip_id", trip.ID), zap.Error(err))
		}
	}
	return trip, nil
}

// Reject drops the recommendation and leaves the trip's route alone.
func (e *Engine) Reject(ctx context.Context, recommendationID string) error {
	if err := e.store.RejectRecommendation(recommendationID); err != nil {
		return err
	}
	e.mc.RecordRecommendation("rejected")
	e.log.Info("reroute rejected", zap.String("recommendation_id", recommendationID))
	return nil
}

// ExpireTask removes recommendations older than the TTL. Registered as a
// scheduler task; safe to rerun.
func (e *Engine) ExpireTask(ctx context.Context) error {
	cutoff := e.now().Add(-e.config().RecommendationTTL)
	removed := e.store.ExpireRecommendationsBefore(cutoff)
	for i := 0; i < removed; i++ {
		e.mc.RecordRecommendation("expired")
	}
	if removed > 0 {
		e.log.Info("recommendations expired", zap.Int("count", removed))
	}
	return nil
}

func (e *Engine) announce(ctx context.Context, trip *store.Trip, rec *store.RouteRecommendation) {
	if e.pub != nil {
		if err := e.pub.Publish(ctx, "trips.reroute_recommended", map[string]any{
			"trip_id":           trip.ID,
			"recommendation_id": rec.ID,
			"traffic_severity":  rec.TrafficSeverity,
			"time_savings_s":    rec.TimeSavingsS,
			"confidence":        rec.Confidence,
		}); err != nil {
			e.log.Warn("reroute event failed", zap.String("trip_id", trip.ID), zap.Error(err))
		}
	}
	if e.fanout == nil {
		return
	}
	msg := notify.Message{
		Roles: []string{"dispatcher", "manager"},
		Type:  "reroute_recommended",
		Title: "Better route available",
		Body:  rec.Reason,
		Data: map[string]any{
			"trip_id":           trip.ID,
			"recommendation_id": rec.ID,
			"time_savings_s":    rec.TimeSavingsS,
		},
	}
	if trip.DriverID != "" {
		msg.UserIDs = []string{trip.DriverID}
	}
	if _, err := e.fanout.Send(ctx, msg); err != nil {
		e.log.Warn("reroute notification failed", zap.String("trip_id", trip.ID), zap.Error(err))
	}
}

// confidence grows with projected savings and never claims certainty.
func confidence(savingsS float64) float64 {
	return math.Min(0.95, 0.60+savingsS/1800)
}

// remainingRoute slices the trip's route from the coordinate nearest the
// vehicle, scaling duration by remaining distance.
func remainingRoute(full *store.RouteInfo, position geo.Point) *store.RouteInfo {
	coords := full.Coordinates
	nearest := 0
	nearestDist := math.MaxFloat64
	for i, p := range coords {
		if d := geo.Haversine(position, p); d < nearestDist {
			nearest = i
			nearestDist = d
		}
	}

	remaining := coords[nearest:]
	if len(remaining) < 2 {
		remaining = coords[len(coords)-1:]
	}
	fullLen := geo.Length(coords)
	frac := 1.0
	if fullLen > 0 {
		frac = geo.Length(remaining) / fullLen
	}
	return &store.RouteInfo{
		DistanceM:   full.DistanceM * frac,
		DurationS:   full.DurationS * frac,
		Coordinates: append([]geo.Point(nil), remaining...),
	}
}
