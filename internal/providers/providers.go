// Package providers wraps the external routing and traffic services behind
// small interfaces the planner and reroute engine consume. The HTTP
// implementation is rate limited and breaker guarded; everything else in the
// process sees only routes and flow ratios.
package providers

import (
	"context"
	"time"

	"github.com/samfms/core/internal/geo"
)

// VehicleMassKG is attached to routing requests as vehicle metadata. No
// current contract consumes it.
const VehicleMassKG = 3500.0

// Route is one drivable path between two points. Duration is free flow;
// traffic adjustment happens in the callers.
type Route struct {
	DistanceM   float64
	DurationS   float64
	Coordinates []geo.Point
}

// Midpoint returns the route's middle coordinate, falling back to the zero
// point for empty geometry.
func (r *Route) Midpoint() geo.Point {
	if r == nil || len(r.Coordinates) == 0 {
		return geo.Point{}
	}
	return r.Coordinates[len(r.Coordinates)/2]
}

// RoutingProvider computes drivable routes.
type RoutingProvider interface {
	// Route returns the best path origin -> waypoints -> destination.
	Route(ctx context.Context, origin, destination geo.Point, waypoints []geo.Point) (*Route, error)
	// Alternatives returns up to max distinct paths between origin and
	// destination, best first.
	Alternatives(ctx context.Context, origin, destination geo.Point, max int) ([]*Route, error)
}

// TrafficProvider reports live congestion.
type TrafficProvider interface {
	// FlowRatio returns current travel time over free flow travel time for
	// the leg from origin toward destination at the given departure. 1.0
	// means free flow; 1.5 means half again as slow.
	FlowRatio(ctx context.Context, origin, destination geo.Point, departure time.Time) (float64, error)
}
