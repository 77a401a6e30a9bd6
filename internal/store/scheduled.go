package store

import (
	"sort"

	"github.com/samfms/core/internal/errs"
)

// CreateScheduledTrip inserts a window-constrained trip request.
func (s *Store) CreateScheduledTrip(st *ScheduledTrip) (*ScheduledTrip, error) {
	if st.Name == "" {
		return nil, errs.Validation("scheduled trip name is required")
	}
	if !st.EndWindow.After(st.StartWindow) {
		return nil, errs.Validation("end_window must be after start_window")
	}
	if st.Priority == "" {
		st.Priority = PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st.ID == "" {
		st.ID = GenerateID()
	} else if _, exists := s.scheduled[st.ID]; exists {
		return nil, errs.Conflict("scheduled trip %s already exists", st.ID)
	}
	st.CreatedAt = s.now()

	c := *st
	c.Waypoints = append([]Place(nil), st.Waypoints...)
	s.scheduled[c.ID] = &c
	out := c
	return &out, nil
}

// GetScheduledTrip returns one scheduled trip.
func (s *Store) GetScheduledTrip(id string) (*ScheduledTrip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.scheduled[id]
	if !ok {
		return nil, errs.NotFound("scheduled trip %s not found", id)
	}
	c := *st
	c.Waypoints = append([]Place(nil), st.Waypoints...)
	return &c, nil
}

// ListScheduledTrips returns all scheduled trips ordered by window start.
func (s *Store) ListScheduledTrips() []*ScheduledTrip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScheduledTrip, 0, len(s.scheduled))
	for _, st := range s.scheduled {
		c := *st
		c.Waypoints = append([]Place(nil), st.Waypoints...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartWindow.Equal(out[j].StartWindow) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartWindow.Before(out[j].StartWindow)
	})
	return out
}

// DeleteScheduledTrip removes a scheduled trip and any smart trip proposals
// referencing it.
func (s *Store) DeleteScheduledTrip(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[id]; !ok {
		return errs.NotFound("scheduled trip %s not found", id)
	}
	delete(s.scheduled, id)
	for smartID, sm := range s.smart {
		if sm.ScheduledTripID == id {
			delete(s.smart, smartID)
		}
	}
	return nil
}

func cloneSmart(sm *SmartTrip) *SmartTrip {
	c := *sm
	c.Reasoning = append([]string(nil), sm.Reasoning...)
	c.RouteInfo = cloneRoute(sm.RouteInfo)
	return &c
}

// InsertSmartTrip stores a planner proposal. The referenced scheduled trip
// must exist.
func (s *Store) InsertSmartTrip(sm *SmartTrip) (*SmartTrip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduled[sm.ScheduledTripID]; !ok {
		return nil, errs.NotFound("scheduled trip %s not found", sm.ScheduledTripID)
	}
	if sm.ID == "" {
		sm.ID = GenerateID()
	} else if _, exists := s.smart[sm.ID]; exists {
		return nil, errs.Conflict("smart trip %s already exists", sm.ID)
	}
	sm.CreatedAt = s.now()

	c := cloneSmart(sm)
	s.smart[c.ID] = c
	return cloneSmart(c), nil
}

// GetSmartTrip returns one proposal.
func (s *Store) GetSmartTrip(id string) (*SmartTrip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.smart[id]
	if !ok {
		return nil, errs.NotFound("smart trip %s not found", id)
	}
	return cloneSmart(sm), nil
}

// ListSmartTrips returns proposals, newest first.
func (s *Store) ListSmartTrips() []*SmartTrip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SmartTrip, 0, len(s.smart))
	for _, sm := range s.smart {
		out = append(out, cloneSmart(sm))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// DeleteSmartTrip discards a proposal without activating it.
func (s *Store) DeleteSmartTrip(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.smart[id]; !ok {
		return errs.NotFound("smart trip %s not found", id)
	}
	delete(s.smart, id)
	return nil
}

// ActivateSmartTrip consumes a proposal: the scheduled trip and proposal are
// deleted and a concrete Trip is created with the optimized schedule, all in
// one atomic step. The vehicle/driver assignment is created in the same step
// so exclusivity holds.
func (s *Store) ActivateSmartTrip(smartID, activatedBy string) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.smart[smartID]
	if !ok {
		return nil, errs.NotFound("smart trip %s not found", smartID)
	}
	st, ok := s.scheduled[sm.ScheduledTripID]
	if !ok {
		return nil, errs.NotFound("scheduled trip %s not found", sm.ScheduledTripID)
	}

	if aid, busy := s.assignByVehicle[sm.VehicleID]; busy {
		return nil, errs.Conflict("vehicle %s already assigned (%s)", sm.VehicleID, aid)
	}
	if aid, busy := s.assignByDriver[sm.DriverID]; busy {
		return nil, errs.Conflict("driver %s already assigned (%s)", sm.DriverID, aid)
	}

	now := s.now()
	t := &Trip{
		ID:             GenerateID(),
		Name:           st.Name,
		Description:    st.Description,
		Origin:         st.Origin,
		Destination:    st.Destination,
		Waypoints:      append([]Place(nil), st.Waypoints...),
		VehicleID:      sm.VehicleID,
		DriverID:       sm.DriverID,
		Status:         TripScheduled,
		Priority:       st.Priority,
		ScheduledStart: sm.OptimizedStart,
		ScheduledEnd:   sm.OptimizedEnd,
		RouteInfo:      cloneRoute(sm.RouteInfo),
		CreatedBy:      activatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.trips[t.ID] = t
	s.indexTrip(t)

	a := &VehicleAssignment{
		ID:        GenerateID(),
		TripID:    t.ID,
		VehicleID: sm.VehicleID,
		DriverID:  sm.DriverID,
		Start:     sm.OptimizedStart,
	}
	s.assignments[a.ID] = a
	s.assignByVehicle[a.VehicleID] = a.ID
	s.assignByDriver[a.DriverID] = a.ID

	delete(s.smart, smartID)
	delete(s.scheduled, st.ID)

	return cloneTrip(t), nil
}
