package store

import (
	"sort"
	"time"

	"github.com/samfms/core/internal/errs"
)

func clonePingSession(ps *PingSession) *PingSession {
	c := *ps
	if ps.LastPosition != nil {
		p := *ps.LastPosition
		c.LastPosition = &p
	}
	return &c
}

// CreatePingSession opens the ping session for an in-progress trip. At most
// one active session per trip exists; a second create returns Conflict.
func (s *Store) CreatePingSession(tripID, driverID string, interval time.Duration) (*PingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, open := s.pingByTrip[tripID]; open {
		return nil, errs.Conflict("trip %s already has active ping session %s", tripID, id)
	}

	now := s.now()
	ps := &PingSession{
		ID:                 GenerateID(),
		TripID:             tripID,
		DriverID:           driverID,
		StartedAt:          now,
		LastPingAt:         now,
		NextPingExpectedAt: now.Add(interval),
		IsActive:           true,
	}
	s.pingSessions[ps.ID] = ps
	s.pingByTrip[tripID] = ps.ID
	return clonePingSession(ps), nil
}

// ActivePingSession returns the open session of a trip.
func (s *Store) ActivePingSession(tripID string) (*PingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pingByTrip[tripID]
	if !ok {
		return nil, errs.NotFound("no active ping session for trip %s", tripID)
	}
	return clonePingSession(s.pingSessions[id]), nil
}

// UpdatePingSession applies fn to a trip's open session under the lock.
func (s *Store) UpdatePingSession(tripID string, fn func(*PingSession)) (*PingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pingByTrip[tripID]
	if !ok {
		return nil, errs.NotFound("no active ping session for trip %s", tripID)
	}
	ps := s.pingSessions[id]
	fn(ps)
	return clonePingSession(ps), nil
}

// ListActivePingSessions returns open sessions ordered by next expected
// ping. The watchdog walks this.
func (s *Store) ListActivePingSessions() []*PingSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PingSession, 0, len(s.pingByTrip))
	for _, id := range s.pingByTrip {
		out = append(out, clonePingSession(s.pingSessions[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextPingExpectedAt.Before(out[j].NextPingExpectedAt)
	})
	return out
}

// closePingSessionLocked deactivates a trip's session. Caller holds the
// lock.
func (s *Store) closePingSessionLocked(tripID string) {
	id, ok := s.pingByTrip[tripID]
	if !ok {
		return
	}
	s.pingSessions[id].IsActive = false
	delete(s.pingByTrip, tripID)
}

// ClosePingSession deactivates a trip's session.
func (s *Store) ClosePingSession(tripID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closePingSessionLocked(tripID)
}

// RecordViolation appends a violation and bumps the owning session's count
// in one step. Returns the stored violation and the new count (0 when no
// session is open). over is the speed excess in km/h, zero for misses.
func (s *Store) RecordViolation(tripID, vtype, details string, over float64, at time.Time) (*Violation, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &Violation{
		ID:           GenerateID(),
		TripID:       tripID,
		Type:         vtype,
		Details:      details,
		SpeedOverKMH: over,
		At:           at,
	}
	s.violationsByTrip[tripID] = append(s.violationsByTrip[tripID], v)

	count := 0
	if id, ok := s.pingByTrip[tripID]; ok {
		ps := s.pingSessions[id]
		ps.ViolationsCount++
		count = ps.ViolationsCount
	}

	c := *v
	return &c, count
}

// Violations returns a trip's violations, chronological.
func (s *Store) Violations(tripID string) []*Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Violation, 0, len(s.violationsByTrip[tripID]))
	for _, v := range s.violationsByTrip[tripID] {
		c := *v
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// ViolationCounts totals recorded violations by type across every trip.
func (s *Store) ViolationCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, list := range s.violationsByTrip {
		for _, v := range list {
			out[v.Type]++
		}
	}
	return out
}
