package trips

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/auth"
	"github.com/samfms/core/internal/rpc"
	"github.com/samfms/core/internal/store"
)

// Summary is the fleet-wide trip snapshot served to dashboards.
type Summary struct {
	TripsByStatus      map[string]int `json:"trips_by_status"`
	TotalTrips         int            `json:"total_trips"`
	CompletionRate     float64        `json:"completion_rate"`
	AverageDurationS   float64        `json:"average_duration_s"`
	ActiveAssignments  int            `json:"active_assignments"`
	ActivePingSessions int            `json:"active_ping_sessions"`
	ViolationsByType   map[string]int `json:"violations_by_type"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

type cachedSummary struct {
	summary   *Summary
	expiresAt time.Time
}

// summaryCache follows the token cache shape: entries expire lazily on read,
// the sweep task is the backstop. Keyed so filtered summaries can share it
// later.
type summaryCache struct {
	lru *expirable.LRU[string, cachedSummary]
	ttl time.Duration
	now func() time.Time
}

func newSummaryCache(ttl time.Duration) *summaryCache {
	return &summaryCache{
		lru: expirable.NewLRU[string, cachedSummary](8, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
}

func (c *summaryCache) get(key string) (*Summary, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.summary, true
}

func (c *summaryCache) set(key string, sum *Summary) {
	c.lru.Add(key, cachedSummary{summary: sum, expiresAt: c.now().Add(c.ttl)})
}

func (c *summaryCache) sweep() int {
	removed := 0
	now := c.now()
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && now.After(entry.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

const summaryKey = "summary"

func (s *Service) handleAnalyticsSummary(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	if sum, ok := s.analytics.get(summaryKey); ok {
		return sum, nil
	}
	sum := s.computeSummary()
	s.analytics.set(summaryKey, sum)
	return sum, nil
}

func (s *Service) computeSummary() *Summary {
	byStatus := map[string]int{
		store.TripScheduled:  len(s.store.ListTripsByStatus(store.TripScheduled)),
		store.TripInProgress: len(s.store.ListTripsByStatus(store.TripInProgress)),
		store.TripPaused:     len(s.store.ListTripsByStatus(store.TripPaused)),
	}

	var completed, cancelled int
	var durationTotal float64
	var durationN int
	for _, t := range s.store.ListHistory(0) {
		switch t.Status {
		case store.TripCompleted:
			completed++
			if t.ActualStart != nil && t.ActualEnd != nil {
				durationTotal += t.ActualEnd.Sub(*t.ActualStart).Seconds()
				durationN++
			}
		case store.TripCancelled:
			cancelled++
		}
	}
	byStatus[store.TripCompleted] = completed
	byStatus[store.TripCancelled] = cancelled

	total := 0
	for _, n := range byStatus {
		total += n
	}
	completionRate := 0.0
	if completed+cancelled > 0 {
		completionRate = float64(completed) / float64(completed+cancelled)
	}
	avgDuration := 0.0
	if durationN > 0 {
		avgDuration = durationTotal / float64(durationN)
	}
	activeAssignments := 0
	for _, a := range s.store.ListAssignments() {
		if a.Active() {
			activeAssignments++
		}
	}

	return &Summary{
		TripsByStatus:      byStatus,
		TotalTrips:         total,
		CompletionRate:     completionRate,
		AverageDurationS:   avgDuration,
		ActiveAssignments:  activeAssignments,
		ActivePingSessions: len(s.store.ListActivePingSessions()),
		ViolationsByType:   s.store.ViolationCounts(),
		GeneratedAt:        s.now(),
	}
}

// AnalyticsSweepTask returns a scheduler task dropping expired summaries.
func (s *Service) AnalyticsSweepTask() func(context.Context) error {
	return func(ctx context.Context) error {
		if removed := s.analytics.sweep(); removed > 0 {
			s.log.Debug("analytics cache swept", zap.Int("removed", removed))
		}
		return nil
	}
}
