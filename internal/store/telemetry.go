package store

import (
	"sort"
	"time"

	"github.com/samfms/core/internal/errs"
)

// UpsertVehicleLocation replaces the single live position row of a vehicle
// and appends to its location history.
func (s *Store) UpsertVehicleLocation(loc VehicleLocation) error {
	if loc.VehicleID == "" {
		return errs.Validation("vehicle_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if loc.Timestamp.IsZero() {
		loc.Timestamp = s.now()
	}
	c := loc
	s.locations[loc.VehicleID] = &c

	entry := &LocationHistoryEntry{
		VehicleID: loc.VehicleID,
		Position:  loc.Position,
		SpeedKMH:  loc.SpeedKMH,
		Timestamp: loc.Timestamp,
	}
	s.historyByVehicle[loc.VehicleID] = append(s.historyByVehicle[loc.VehicleID], entry)
	return nil
}

// GetVehicleLocation returns the live position of a vehicle.
func (s *Store) GetVehicleLocation(vehicleID string) (*VehicleLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[vehicleID]
	if !ok {
		return nil, errs.NotFound("no location for vehicle %s", vehicleID)
	}
	c := *loc
	return &c, nil
}

// LocationHistory returns samples for a vehicle within [from, to],
// chronological.
func (s *Store) LocationHistory(vehicleID string, from, to time.Time) []*LocationHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*LocationHistoryEntry
	for _, e := range s.historyByVehicle[vehicleID] {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// PurgeLocationHistoryBefore drops samples older than cutoff and returns the
// number removed. Runs on the scheduler.
func (s *Store) PurgeLocationHistoryBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for vid, entries := range s.historyByVehicle {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.historyByVehicle, vid)
		} else {
			s.historyByVehicle[vid] = kept
		}
	}
	return removed
}

// StartTrackingSession opens the live-feed session for a trip. Reuses the
// existing active session if one is already open.
func (s *Store) StartTrackingSession(tripID, vehicleID string) (*TrackingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.trackingByTrip[tripID]; ok {
		c := *s.trackingSessions[id]
		return &c, nil
	}

	now := s.now()
	ts := &TrackingSession{
		ID:         GenerateID(),
		TripID:     tripID,
		VehicleID:  vehicleID,
		StartedAt:  now,
		LastUpdate: now,
		IsActive:   true,
	}
	s.trackingSessions[ts.ID] = ts
	s.trackingByTrip[tripID] = ts.ID
	c := *ts
	return &c, nil
}

// TouchTrackingSession refreshes the activity marker of a trip's session.
func (s *Store) TouchTrackingSession(tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.trackingByTrip[tripID]
	if !ok {
		return errs.NotFound("no active tracking session for trip %s", tripID)
	}
	s.trackingSessions[id].LastUpdate = s.now()
	return nil
}

// closeTrackingSessionLocked deactivates a trip's session. Caller holds the
// lock.
func (s *Store) closeTrackingSessionLocked(tripID string) {
	id, ok := s.trackingByTrip[tripID]
	if !ok {
		return
	}
	s.trackingSessions[id].IsActive = false
	delete(s.trackingByTrip, tripID)
}

// CloseTrackingSession deactivates a trip's session.
func (s *Store) CloseTrackingSession(tripID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeTrackingSessionLocked(tripID)
}

// CloseStaleTrackingSessions deactivates sessions idle longer than maxIdle
// and returns how many were closed. Runs on the scheduler.
func (s *Store) CloseStaleTrackingSessions(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxIdle)
	closed := 0
	for tripID, id := range s.trackingByTrip {
		ts := s.trackingSessions[id]
		if ts.LastUpdate.Before(cutoff) {
			ts.IsActive = false
			delete(s.trackingByTrip, tripID)
			closed++
		}
	}
	return closed
}
