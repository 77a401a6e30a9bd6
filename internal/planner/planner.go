// Package planner turns scheduled trips into smart trip proposals: an
// optimized departure inside the requested window, a vehicle near the
// origin, and a driver weighted by track record on urgent work.
package planner

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/providers"
	"github.com/samfms/core/internal/store"
)

// defaultDepot stands in for vehicles with no live position and no home
// location on record.
var defaultDepot = geo.Point{Lat: -25.7479, Lng: 28.2293}

// Config tunes planning.
type Config struct {
	// MaxSamples caps departure candidates probed per window.
	MaxSamples int
	// TopDrivers is the preferred pool size for high priority trips.
	TopDrivers int
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 5
	}
	if cfg.TopDrivers <= 0 {
		cfg.TopDrivers = 5
	}
	return cfg
}

// Planner builds smart trips from scheduled trips.
type Planner struct {
	cfg     Config
	store   *store.Store
	routing providers.RoutingProvider
	traffic providers.TrafficProvider
	log     *zap.Logger
	mc      *metrics.Collector

	now  func() time.Time
	pick func(n int) int
}

func New(cfg Config, st *store.Store, routing providers.RoutingProvider, traffic providers.TrafficProvider, log *zap.Logger, mc *metrics.Collector) *Planner {
	if log == nil {
		log = logging.Global()
	}
	return &Planner{
		cfg:     cfg.withDefaults(),
		store:   st,
		routing: routing,
		traffic: traffic,
		log:     log,
		mc:      mc,
		now:     time.Now,
		pick:    rand.Intn,
	}
}

// SetClock overrides the planner's time source. Tests only.
func (p *Planner) SetClock(now func() time.Time) { p.now = now }

// SetPicker overrides random driver selection. Tests only.
func (p *Planner) SetPicker(pick func(n int) int) { p.pick = pick }

type candidate struct {
	departure time.Time
	route     *providers.Route
	ratio     float64
	adjusted  float64 // seconds, traffic adjusted
}

// Plan proposes a smart trip for one scheduled trip. The proposal is
// persisted; activation is a separate step.
func (p *Planner) Plan(ctx context.Context, scheduledTripID string) (*store.SmartTrip, error) {
	st, err := p.store.GetScheduledTrip(scheduledTripID)
	if err != nil {
		return nil, err
	}
	if !st.EndWindow.After(st.StartWindow) {
		return nil, errs.Validation("scheduled trip %s has an empty start window", st.ID)
	}

	best, probed, err := p.bestDeparture(ctx, st)
	if err != nil {
		return nil, err
	}

	arrival := best.departure.Add(time.Duration(best.adjusted * float64(time.Second)))
	vehicle, vehicleDist, err := p.selectVehicle(st.Origin.Location, best.departure, arrival)
	if err != nil {
		return nil, err
	}
	driver, driverReason, err := p.selectDriver(st.Priority, best.departure, arrival)
	if err != nil {
		return nil, err
	}

	delayMin := (best.adjusted - best.route.DurationS) / 60
	reasoning := []string{
		fmt.Sprintf("departure %s keeps traffic delay to %.0f min (flow ratio %.2f, %d windows probed)",
			best.departure.Format("15:04"), delayMin, best.ratio, probed),
		fmt.Sprintf("vehicle %s is %.1f km from the origin", vehicle.ID, vehicleDist/1000),
		driverReason,
	}

	smart, err := p.store.InsertSmartTrip(&store.SmartTrip{
		ScheduledTripID: st.ID,
		OptimizedStart:  best.departure,
		OptimizedEnd:    arrival,
		VehicleID:       vehicle.ID,
		DriverID:        driver.ID,
		RouteInfo: &store.RouteInfo{
			DistanceM:   best.route.DistanceM,
			DurationS:   best.adjusted,
			Coordinates: best.route.Coordinates,
		},
		Reasoning: reasoning,
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("smart trip planned",
		zap.String("scheduled_trip_id", st.ID),
		zap.String("smart_trip_id", smart.ID),
		zap.Time("optimized_start", smart.OptimizedStart),
		zap.String("vehicle_id", vehicle.ID),
		zap.String("driver_id", driver.ID))
	return smart, nil
}

// bestDeparture probes evenly spaced departures across the window and keeps
// the one with the lowest traffic adjusted duration, earliest on ties.
// Single candidate probe failures are skipped; only a fully failed sweep is
// an error.
func (p *Planner) bestDeparture(ctx context.Context, st *store.ScheduledTrip) (*candidate, int, error) {
	window := st.EndWindow.Sub(st.StartWindow)
	k := int(window / time.Hour)
	if k < 1 {
		k = 1
	}
	if k > p.cfg.MaxSamples {
		k = p.cfg.MaxSamples
	}
	step := window / time.Duration(k)

	waypoints := make([]geo.Point, 0, len(st.Waypoints))
	for _, wp := range st.Waypoints {
		waypoints = append(waypoints, wp.Location)
	}

	var best *candidate
	probed := 0
	for i := 0; i < k; i++ {
		departure := st.StartWindow.Add(time.Duration(i) * step)

		route, err := p.routing.Route(ctx, st.Origin.Location, st.Destination.Location, waypoints)
		if err != nil {
			p.log.Warn("departure candidate skipped, routing failed",
				zap.String("scheduled_trip_id", st.ID),
				zap.Time("departure", departure),
				zap.Error(err))
			continue
		}
		ratio, err := p.traffic.FlowRatio(ctx, st.Origin.Location, st.Destination.Location, departure)
		if err != nil {
			p.log.Warn("departure candidate skipped, traffic probe failed",
				zap.String("scheduled_trip_id", st.ID),
				zap.Time("departure", departure),
				zap.Error(err))
			continue
		}

		probed++
		c := &candidate{
			departure: departure,
			route:     route,
			ratio:     ratio,
			adjusted:  route.DurationS * ratio,
		}
		if best == nil || c.adjusted < best.adjusted {
			best = c
		}
	}
	if best == nil {
		return nil, 0, errs.Upstream("no departure candidate could be probed for scheduled trip %s", st.ID)
	}
	return best, probed, nil
}

// selectVehicle picks the closest free vehicle to the origin. Distance uses
// the live position when tracked, the vehicle's home otherwise, and the
// default depot as a last resort. Ties break to the smaller id.
func (p *Planner) selectVehicle(origin geo.Point, departure, arrival time.Time) (*store.Vehicle, float64, error) {
	var (
		best     *store.Vehicle
		bestDist float64
	)
	for _, v := range p.store.AvailableVehicles() {
		if p.vehicleBusy(v.ID, departure, arrival) {
			continue
		}
		dist := geo.Haversine(p.vehiclePosition(v), origin)
		if best == nil || dist < bestDist || (dist == bestDist && v.ID < best.ID) {
			best = v
			bestDist = dist
		}
	}
	if best == nil {
		return nil, 0, errs.ErrNoVehicleAvailable
	}
	return best, bestDist, nil
}

func (p *Planner) vehiclePosition(v *store.Vehicle) geo.Point {
	if loc, err := p.store.GetVehicleLocation(v.ID); err == nil {
		return loc.Position
	}
	if v.Home != nil {
		return *v.Home
	}
	return defaultDepot
}

// Busy checks cover committed trips overlapping the candidate window; the
// store already excludes actively assigned vehicles and drivers.
func (p *Planner) vehicleBusy(vehicleID string, departure, arrival time.Time) bool {
	return tripsOverlap(p.store.ListTripsByVehicle(vehicleID), departure, arrival)
}

func (p *Planner) driverBusy(driverID string, departure, arrival time.Time) bool {
	return tripsOverlap(p.store.ListTripsByDriver(driverID), departure, arrival)
}

func tripsOverlap(trips []*store.Trip, departure, arrival time.Time) bool {
	for _, t := range trips {
		if t.Terminal() {
			continue
		}
		end := t.ScheduledEnd
		if end.IsZero() {
			end = t.ScheduledStart
		}
		if t.ScheduledStart.Before(arrival) && !end.Before(departure) {
			return true
		}
	}
	return false
}

// selectDriver picks uniformly from the free pool. High and urgent trips
// restrict the pool to the top performers by completion rate first.
func (p *Planner) selectDriver(priority string, departure, arrival time.Time) (*store.Driver, string, error) {
	free := make([]*store.Driver, 0)
	for _, d := range p.store.AvailableDrivers() {
		if p.driverBusy(d.ID, departure, arrival) {
			continue
		}
		free = append(free, d)
	}
	if len(free) == 0 {
		return nil, "", errs.ErrNoDriverAvailable
	}

	if priority == store.PriorityHigh || priority == store.PriorityUrgent {
		sort.Slice(free, func(i, j int) bool {
			ri, rj := free[i].CompletionRate(), free[j].CompletionRate()
			if ri == rj {
				return free[i].ID < free[j].ID
			}
			return ri > rj
		})
		if len(free) > p.cfg.TopDrivers {
			free = free[:p.cfg.TopDrivers]
		}
		d := free[p.pick(len(free))]
		return d, fmt.Sprintf("driver %s completes %.0f%% of trips", d.ID, d.CompletionRate()*100), nil
	}

	d := free[p.pick(len(free))]
	return d, fmt.Sprintf("driver %s drawn from %d available", d.ID, len(free)), nil
}
