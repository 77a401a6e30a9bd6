package store

import (
	"time"

	"github.com/samfms/core/internal/geo"
)

// Trip lifecycle states.
const (
	TripScheduled  = "scheduled"
	TripInProgress = "in_progress"
	TripPaused     = "paused"
	TripCompleted  = "completed"
	TripCancelled  = "cancelled"
)

// Trip priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Violation types.
const (
	ViolationMissedPing = "missed_ping"
	ViolationSpeeding   = "speeding"
)

// Place is a named location.
type Place struct {
	Name     string    `json:"name"`
	Location geo.Point `json:"location"`
	Address  string    `json:"address,omitempty"`
}

// RouteInfo describes a concrete route between two places.
type RouteInfo struct {
	DistanceM   float64     `json:"distance_m"`
	DurationS   float64     `json:"duration_s"`
	Coordinates []geo.Point `json:"coordinates"`
	Bounds      *geo.Bounds `json:"bounds,omitempty"`
}

// Trip is a committed journey.
type Trip struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Origin         Place      `json:"origin"`
	Destination    Place      `json:"destination"`
	Waypoints      []Place    `json:"waypoints,omitempty"`
	VehicleID      string     `json:"vehicle_id,omitempty"`
	DriverID       string     `json:"driver_id,omitempty"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
	RouteInfo      *RouteInfo `json:"route_info,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the trip reached a final state.
func (t *Trip) Terminal() bool {
	return t.Status == TripCompleted || t.Status == TripCancelled
}

// ScheduledTrip is a trip constrained to a window rather than a start time.
type ScheduledTrip struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Origin      Place     `json:"origin"`
	Destination Place     `json:"destination"`
	Waypoints   []Place   `json:"waypoints,omitempty"`
	Priority    string    `json:"priority"`
	StartWindow time.Time `json:"start_window"`
	EndWindow   time.Time `json:"end_window"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// SmartTrip is the planner's proposal for a scheduled trip. Activation
// converts it into a Trip and deletes it.
type SmartTrip struct {
	ID              string     `json:"id"`
	ScheduledTripID string     `json:"scheduled_trip_id"`
	OptimizedStart  time.Time  `json:"optimized_start"`
	OptimizedEnd    time.Time  `json:"optimized_end"`
	VehicleID       string     `json:"vehicle_id"`
	DriverID        string     `json:"driver_id"`
	RouteInfo       *RouteInfo `json:"route_info,omitempty"`
	Reasoning       []string   `json:"reasoning"`
	CreatedAt       time.Time  `json:"created_at"`
}

// VehicleAssignment binds a vehicle and driver to a trip. End is nil while
// the assignment is active.
type VehicleAssignment struct {
	ID        string     `json:"id"`
	TripID    string     `json:"trip_id"`
	VehicleID string     `json:"vehicle_id"`
	DriverID  string     `json:"driver_id"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
}

// Active reports whether the assignment is still open.
func (a *VehicleAssignment) Active() bool {
	return a.End == nil
}

// Vehicle is fleet metadata the planner selects against.
type Vehicle struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Registration string     `json:"registration,omitempty"`
	Available    bool       `json:"available"`
	Home         *geo.Point `json:"home,omitempty"`
}

// Driver is personnel metadata the planner selects against.
type Driver struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Available      bool   `json:"available"`
	TripsCompleted int    `json:"trips_completed"`
	TripsCancelled int    `json:"trips_cancelled"`
}

// CompletionRate is completed over total terminal trips this year. Drivers
// with no history rate 0.
func (d *Driver) CompletionRate() float64 {
	total := d.TripsCompleted + d.TripsCancelled
	if total == 0 {
		return 0
	}
	return float64(d.TripsCompleted) / float64(total)
}

// VehicleLocation is the live position of a vehicle, one row per vehicle.
type VehicleLocation struct {
	VehicleID string    `json:"vehicle_id"`
	Position  geo.Point `json:"position"`
	SpeedKMH  float64   `json:"speed_kmh,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationHistoryEntry is an append-only position sample.
type LocationHistoryEntry struct {
	VehicleID string    `json:"vehicle_id"`
	Position  geo.Point `json:"position"`
	SpeedKMH  float64   `json:"speed_kmh,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingSession follows one vehicle's live feed for one trip.
type TrackingSession struct {
	ID         string    `json:"id"`
	TripID     string    `json:"trip_id"`
	VehicleID  string    `json:"vehicle_id"`
	StartedAt  time.Time `json:"started_at"`
	LastUpdate time.Time `json:"last_update"`
	IsActive   bool      `json:"is_active"`
}

// PingSession tracks driver phone pings for one in-progress trip.
type PingSession struct {
	ID                 string     `json:"id"`
	TripID             string     `json:"trip_id"`
	DriverID           string     `json:"driver_id"`
	StartedAt          time.Time  `json:"started_at"`
	LastPingAt         time.Time  `json:"last_ping_at"`
	NextPingExpectedAt time.Time  `json:"next_ping_expected_at"`
	LastPosition       *geo.Point `json:"last_position,omitempty"`
	IsActive           bool       `json:"is_active"`
	ViolationsCount    int        `json:"violations_count"`
}

// Violation records a ping or speed infraction.
type Violation struct {
	ID      string    `json:"id"`
	TripID  string    `json:"trip_id"`
	Type    string    `json:"type"`
	Details string    `json:"details,omitempty"`
	// SpeedOverKMH is how far over the limit the vehicle was. Zero for
	// non-speeding violations.
	SpeedOverKMH float64   `json:"speed_over_kmh,omitempty"`
	At           time.Time `json:"at"`
}

// Notification is one message for one user. Fanout resolves roles into
// concrete recipients before insert.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
}

// RouteRecommendation is a pending reroute proposal for an active trip.
type RouteRecommendation struct {
	ID               string     `json:"id"`
	TripID           string     `json:"trip_id"`
	VehicleID        string     `json:"vehicle_id"`
	CurrentRoute     *RouteInfo `json:"current_route"`
	RecommendedRoute *RouteInfo `json:"recommended_route"`
	TimeSavingsS     float64    `json:"time_savings_s"`
	TrafficSeverity  string     `json:"traffic_severity"`
	Confidence       float64    `json:"confidence"`
	Reason           string     `json:"reason"`
	CreatedAt        time.Time  `json:"created_at"`
}
