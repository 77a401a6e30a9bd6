// Package store is the in-memory document store behind the trip domain. One
// mutex guards every collection so multi-document operations (terminal trip
// moves, assignment exclusivity, smart trip activation) are atomic for
// readers.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
)

// Store holds every collection.
type Store struct {
	mu sync.RWMutex

	trips          map[string]*Trip
	tripsByVehicle map[string]map[string]struct{}
	tripsByDriver  map[string]map[string]struct{}
	tripsByStatus  map[string]map[string]struct{}

	scheduled map[string]*ScheduledTrip
	smart     map[string]*SmartTrip
	history   map[string]*Trip

	assignments     map[string]*VehicleAssignment
	assignByVehicle map[string]string // active assignment per vehicle
	assignByDriver  map[string]string // active assignment per driver

	vehicles map[string]*Vehicle
	drivers  map[string]*Driver

	locations         map[string]*VehicleLocation // one per vehicle
	historyByVehicle  map[string][]*LocationHistoryEntry
	trackingSessions  map[string]*TrackingSession
	trackingByTrip    map[string]string // active session per trip
	pingSessions      map[string]*PingSession
	pingByTrip        map[string]string // active session per trip
	violationsByTrip  map[string][]*Violation
	notifications     map[string]*Notification
	notifByUser       map[string][]string
	recommendations   map[string]*RouteRecommendation
	recsByTrip        map[string]map[string]struct{}

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		trips:            make(map[string]*Trip),
		tripsByVehicle:   make(map[string]map[string]struct{}),
		tripsByDriver:    make(map[string]map[string]struct{}),
		tripsByStatus:    make(map[string]map[string]struct{}),
		scheduled:        make(map[string]*ScheduledTrip),
		smart:            make(map[string]*SmartTrip),
		history:          make(map[string]*Trip),
		assignments:      make(map[string]*VehicleAssignment),
		assignByVehicle:  make(map[string]string),
		assignByDriver:   make(map[string]string),
		vehicles:         make(map[string]*Vehicle),
		drivers:          make(map[string]*Driver),
		locations:        make(map[string]*VehicleLocation),
		historyByVehicle: make(map[string][]*LocationHistoryEntry),
		trackingSessions: make(map[string]*TrackingSession),
		trackingByTrip:   make(map[string]string),
		pingSessions:     make(map[string]*PingSession),
		pingByTrip:       make(map[string]string),
		violationsByTrip: make(map[string][]*Violation),
		notifications:    make(map[string]*Notification),
		notifByUser:      make(map[string][]string),
		recommendations:  make(map[string]*RouteRecommendation),
		recsByTrip:       make(map[string]map[string]struct{}),
		now:              time.Now,
	}
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// validTransitions holds the allowed trip status edges.
var validTransitions = map[string]map[string]bool{
	TripScheduled:  {TripInProgress: true, TripCancelled: true},
	TripInProgress: {TripPaused: true, TripCompleted: true, TripCancelled: true},
	TripPaused:     {TripInProgress: true, TripCompleted: true, TripCancelled: true},
}

var validStatuses = map[string]bool{
	TripScheduled:  true,
	TripInProgress: true,
	TripPaused:     true,
	TripCompleted:  true,
	TripCancelled:  true,
}

func cloneRoute(r *RouteInfo) *RouteInfo {
	if r == nil {
		return nil
	}
	c := *r
	c.Coordinates = append([]geo.Point(nil), r.Coordinates...)
	if r.Bounds != nil {
		b := *r.Bounds
		c.Bounds = &b
	}
	return &c
}

func cloneTrip(t *Trip) *Trip {
	c := *t
	c.Waypoints = append([]Place(nil), t.Waypoints...)
	c.RouteInfo = cloneRoute(t.RouteInfo)
	if t.ActualStart != nil {
		v := *t.ActualStart
		c.ActualStart = &v
	}
	if t.ActualEnd != nil {
		v := *t.ActualEnd
		c.ActualEnd = &v
	}
	return &c
}

// indexTrip adds t to the secondary indexes. Caller holds the lock.
func (s *Store) indexTrip(t *Trip) {
	if t.VehicleID != "" {
		if s.tripsByVehicle[t.VehicleID] == nil {
			s.tripsByVehicle[t.VehicleID] = make(map[string]struct{})
		}
		s.tripsByVehicle[t.VehicleID][t.ID] = struct{}{}
	}
	if t.DriverID != "" {
		if s.tripsByDriver[t.DriverID] == nil {
			s.tripsByDriver[t.DriverID] = make(map[string]struct{})
		}
		s.tripsByDriver[t.DriverID][t.ID] = struct{}{}
	}
	if s.tripsByStatus[t.Status] == nil {
		s.tripsByStatus[t.Status] = make(map[string]struct{})
	}
	s.tripsByStatus[t.Status][t.ID] = struct{}{}
}

// unindexTrip removes t from the secondary indexes. Caller holds the lock.
func (s *Store) unindexTrip(t *Trip) {
	if set := s.tripsByVehicle[t.VehicleID]; set != nil {
		delete(set, t.ID)
	}
	if set := s.tripsByDriver[t.DriverID]; set != nil {
		delete(set, t.ID)
	}
	if set := s.tripsByStatus[t.Status]; set != nil {
		delete(set, t.ID)
	}
}

// CreateTrip inserts a new trip. A blank id, status and priority get
// defaults; timestamps are set here.
func (s *Store) CreateTrip(t *Trip) (*Trip, error) {
	if t.Name == "" {
		return nil, errs.Validation("trip name is required")
	}
	if t.Status == "" {
		t.Status = TripScheduled
	}
	if !validStatuses[t.Status] {
		return nil, errs.Validation("invalid trip status %q", t.Status)
	}
	if (&Trip{Status: t.Status}).Terminal() {
		return nil, errs.Validation("cannot create a trip in terminal status %q", t.Status)
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = GenerateID()
	} else if _, exists := s.trips[t.ID]; exists {
		return nil, errs.Conflict("trip %s already exists", t.ID)
	}

	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	c := cloneTrip(t)
	s.trips[c.ID] = c
	s.indexTrip(c)
	return cloneTrip(c), nil
}

// GetTrip returns a live trip.
func (s *Store) GetTrip(id string) (*Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, errs.NotFound("trip %s not found", id)
	}
	return cloneTrip(t), nil
}

// UpdateTrip applies fn to a live trip under the store lock. fn must not
// change Status; transitions go through TransitionTrip.
func (s *Store) UpdateTrip(id string, fn func(*Trip) error) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok {
		return nil, errs.NotFound("trip %s not found", id)
	}

	before := cloneTrip(t)
	if err := fn(t); err != nil {
		*t = *before
		return nil, err
	}
	if t.Status != before.Status {
		*t = *before
		return nil, errs.Conflict("status must change via transition, not update")
	}

	s.unindexTrip(before)
	t.UpdatedAt = s.now()
	s.indexTrip(t)
	return cloneTrip(t), nil
}

// TransitionTrip moves a trip from one status to another with
// compare-and-set semantics. Terminal transitions move the document to
// trip_history atomically; actual_start and actual_end are stamped on the
// first entry to in_progress and on the terminal edge.
func (s *Store) TransitionTrip(id, from, to string) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok {
		return nil, errs.NotFound("trip %s not found", id)
	}
	if t.Status != from {
		return nil, errs.Conflict("trip %s is %s, expected %s", id, t.Status, from)
	}
	if !validTransitions[from][to] {
		return nil, errs.Conflict("cannot transition trip from %s to %s", from, to)
	}

	now := s.now()
	s.unindexTrip(t)
	t.Status = to
	t.UpdatedAt = now

	if to == TripInProgress && t.ActualStart == nil {
		v := now
		t.ActualStart = &v
	}

	if t.Terminal() {
		v := now
		t.ActualEnd = &v
		delete(s.trips, id)
		s.history[id] = t
		s.endAssignmentsForTripLocked(id, now)
		s.closePingSessionLocked(id)
		s.closeTrackingSessionLocked(id)
		s.deleteRecommendationsForTripLocked(id)
		return cloneTrip(t), nil
	}

	s.indexTrip(t)
	return cloneTrip(t), nil
}

// DeleteTrip removes a live trip outright. Used for scheduled trips created
// in error; in-progress trips must be cancelled instead.
func (s *Store) DeleteTrip(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok {
		return errs.NotFound("trip %s not found", id)
	}
	if t.Status != TripScheduled {
		return errs.Conflict("only scheduled trips can be deleted, trip is %s", t.Status)
	}
	s.unindexTrip(t)
	delete(s.trips, id)
	return nil
}

// GetHistoryTrip returns a trip that reached a terminal state.
func (s *Store) GetHistoryTrip(id string) (*Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.history[id]
	if !ok {
		return nil, errs.NotFound("trip %s not found in history", id)
	}
	return cloneTrip(t), nil
}

// FindTrip checks live trips first, then history.
func (s *Store) FindTrip(id string) (*Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.trips[id]; ok {
		return cloneTrip(t), nil
	}
	if t, ok := s.history[id]; ok {
		return cloneTrip(t), nil
	}
	return nil, errs.NotFound("trip %s not found", id)
}

// ListTripsByStatus returns live trips in a status ordered by scheduled
// start.
func (s *Store) ListTripsByStatus(status string) []*Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Trip, 0, len(s.tripsByStatus[status]))
	for id := range s.tripsByStatus[status] {
		out = append(out, cloneTrip(s.trips[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	return out
}

// ListActiveTrips returns all in-progress trips.
func (s *Store) ListActiveTrips() []*Trip {
	return s.ListTripsByStatus(TripInProgress)
}

// ListTripsByVehicle returns live trips referencing a vehicle.
func (s *Store) ListTripsByVehicle(vehicleID string) []*Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trip, 0, len(s.tripsByVehicle[vehicleID]))
	for id := range s.tripsByVehicle[vehicleID] {
		out = append(out, cloneTrip(s.trips[id]))
	}
	sortTrips(out)
	return out
}

// ListTripsByDriver returns live trips referencing a driver.
func (s *Store) ListTripsByDriver(driverID string) []*Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trip, 0, len(s.tripsByDriver[driverID]))
	for id := range s.tripsByDriver[driverID] {
		out = append(out, cloneTrip(s.trips[id]))
	}
	sortTrips(out)
	return out
}

// ListHistory returns terminal trips, newest first, up to limit. A
// non-positive limit returns everything.
func (s *Store) ListHistory(limit int) []*Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Trip, 0, len(s.history))
	for _, t := range s.history {
		out = append(out, cloneTrip(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortTrips(trips []*Trip) {
	sort.Slice(trips, func(i, j int) bool {
		if trips[i].ScheduledStart.Equal(trips[j].ScheduledStart) {
			return trips[i].ID < trips[j].ID
		}
		return trips[i].ScheduledStart.Before(trips[j].ScheduledStart)
	})
}
