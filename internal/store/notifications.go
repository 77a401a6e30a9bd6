package store

import (
	"sort"
	"time"

	"github.com/samfms/core/internal/errs"
)

func cloneNotification(n *Notification) *Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	if n.ReadAt != nil {
		v := *n.ReadAt
		c.ReadAt = &v
	}
	return &c
}

// InsertNotifications stores one notification per concrete recipient.
func (s *Store) InsertNotifications(batch []*Notification) []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*Notification, 0, len(batch))
	for _, n := range batch {
		c := cloneNotification(n)
		if c.ID == "" {
			c.ID = GenerateID()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		s.notifications[c.ID] = c
		s.notifByUser[c.UserID] = append(s.notifByUser[c.UserID], c.ID)
		out = append(out, cloneNotification(c))
	}
	return out
}

// UnreadNotifications returns a user's unread notifications, newest first.
func (s *Store) UnreadNotifications(userID string) []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Notification
	for _, id := range s.notifByUser[userID] {
		n := s.notifications[id]
		if n.ReadAt == nil {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// MarkNotificationRead stamps a notification as read. Reading someone
// else's notification is NotFound, not Authorization: ids are not secrets
// but ownership is not leaked either.
func (s *Store) MarkNotificationRead(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return errs.NotFound("notification %s not found", id)
	}
	if n.ReadAt == nil {
		v := s.now()
		n.ReadAt = &v
	}
	return nil
}

// InsertRecommendation stores a reroute proposal.
func (s *Store) InsertRecommendation(r *RouteRecommendation) (*RouteRecommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trips[r.TripID]; !ok {
		return nil, errs.NotFound("trip %s not found", r.TripID)
	}
	if r.ID == "" {
		r.ID = GenerateID()
	} else if _, exists := s.recommendations[r.ID]; exists {
		return nil, errs.Conflict("recommendation %s already exists", r.ID)
	}
	r.CreatedAt = s.now()

	c := cloneRecommendation(r)
	s.recommendations[c.ID] = c
	if s.recsByTrip[c.TripID] == nil {
		s.recsByTrip[c.TripID] = make(map[string]struct{})
	}
	s.recsByTrip[c.TripID][c.ID] = struct{}{}
	return cloneRecommendation(c), nil
}

func cloneRecommendation(r *RouteRecommendation) *RouteRecommendation {
	c := *r
	c.CurrentRoute = cloneRoute(r.CurrentRoute)
	c.RecommendedRoute = cloneRoute(r.RecommendedRoute)
	return &c
}

// GetRecommendation returns one pending recommendation.
func (s *Store) GetRecommendation(id string) (*RouteRecommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recommendations[id]
	if !ok {
		return nil, errs.NotFound("recommendation %s not found", id)
	}
	return cloneRecommendation(r), nil
}

// RecommendationsForTrip returns pending recommendations for a trip,
// newest first.
func (s *Store) RecommendationsForTrip(tripID string) []*RouteRecommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RouteRecommendation, 0, len(s.recsByTrip[tripID]))
	for id := range s.recsByTrip[tripID] {
		out = append(out, cloneRecommendation(s.recommendations[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListRecommendations returns every pending recommendation, newest first.
func (s *Store) ListRecommendations() []*RouteRecommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RouteRecommendation, 0, len(s.recommendations))
	for _, r := range s.recommendations {
		out = append(out, cloneRecommendation(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// AcceptRecommendation swaps the trip's route for the recommended one and
// deletes the recommendation, atomically. The trip must still be live.
func (s *Store) AcceptRecommendation(id string) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recommendations[id]
	if !ok {
		return nil, errs.NotFound("recommendation %s not found", id)
	}
	t, ok := s.trips[r.TripID]
	if !ok {
		s.deleteRecommendationLocked(r)
		return nil, errs.Conflict("trip %s is no longer live", r.TripID)
	}

	t.RouteInfo = cloneRoute(r.RecommendedRoute)
	t.UpdatedAt = s.now()
	s.deleteRecommendationLocked(r)
	return cloneTrip(t), nil
}

// RejectRecommendation deletes a recommendation leaving the trip unchanged.
func (s *Store) RejectRecommendation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recommendations[id]
	if !ok {
		return errs.NotFound("recommendation %s not found", id)
	}
	s.deleteRecommendationLocked(r)
	return nil
}

func (s *Store) deleteRecommendationLocked(r *RouteRecommendation) {
	delete(s.recommendations, r.ID)
	if set := s.recsByTrip[r.TripID]; set != nil {
		delete(set, r.ID)
		if len(set) == 0 {
			delete(s.recsByTrip, r.TripID)
		}
	}
}

// deleteRecommendationsForTripLocked drops all pending recommendations of a
// trip. Caller holds the lock.
func (s *Store) deleteRecommendationsForTripLocked(tripID string) {
	for id := range s.recsByTrip[tripID] {
		delete(s.recommendations, id)
	}
	delete(s.recsByTrip, tripID)
}

// ExpireRecommendationsBefore deletes recommendations created before cutoff
// and returns how many were removed. Deleting an already-deleted
// recommendation is a no-op, so expiry is idempotent.
func (s *Store) ExpireRecommendationsBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, r := range s.recommendations {
		if r.CreatedAt.Before(cutoff) {
			s.deleteRecommendationLocked(r)
			removed++
		}
	}
	return removed
}
