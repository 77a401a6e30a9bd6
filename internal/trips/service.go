// Package trips exposes the trip domain on the service's rpc surface: trip
// lifecycle, scheduled trip planning, driver pings, reroute recommendations,
// notifications, and the cached analytics summary. Handlers authorize against
// the principal riding on the request envelope and emit domain events after
// each state change.
package trips

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/auth"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/notify"
	"github.com/samfms/core/internal/pings"
	"github.com/samfms/core/internal/planner"
	"github.com/samfms/core/internal/reroute"
	"github.com/samfms/core/internal/rpc"
	"github.com/samfms/core/internal/store"
)

// Config tunes the service glue.
type Config struct {
	// AnalyticsTTL is how long a computed summary stays servable.
	AnalyticsTTL time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = 5 * time.Minute
	}
	return cfg
}

// Service owns the rpc handlers for the trip domain.
type Service struct {
	cfg     Config
	store   *store.Store
	planner *planner.Planner
	monitor *pings.Monitor
	reroute *reroute.Engine
	pub     notify.EventPublisher
	auth    *auth.Service
	log     *zap.Logger

	analytics *summaryCache
	now       func() time.Time
}

func New(cfg Config, st *store.Store, pl *planner.Planner, mon *pings.Monitor, rr *reroute.Engine, pub notify.EventPublisher, gate *auth.Service, log *zap.Logger) *Service {
	if log == nil {
		log = logging.Global()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		store:     st,
		planner:   pl,
		monitor:   mon,
		reroute:   rr,
		pub:       pub,
		auth:      gate,
		log:       log,
		analytics: newSummaryCache(cfg.AnalyticsTTL),
		now:       time.Now,
	}
}

// SetClock overrides the service's time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.analytics.now = now
}

// Register installs the endpoint table on the router.
func (s *Service) Register(r *rpc.Router) {
	r.Handle("trips/create", s.handleCreate)
	r.Handle("trips/get", s.handleGet)
	r.Handle("trips/update", s.handleUpdate)
	r.Handle("trips/delete", s.handleDelete)
	r.Handle("trips/active", s.handleActive)
	r.Handle("trips/start", s.handleStart)
	r.Handle("trips/pause", s.handlePause)
	r.Handle("trips/resume", s.handleResume)
	r.Handle("trips/complete", s.handleComplete)
	r.Handle("trips/cancel", s.handleCancel)
	r.Handle("trips/ping", s.handlePing)

	r.Handle("trips/scheduled/create", s.handleScheduledCreate)
	r.Handle("trips/scheduled/get", s.handleScheduledGet)
	r.Handle("trips/scheduled/list", s.handleScheduledList)
	r.Handle("trips/scheduled/delete", s.handleScheduledDelete)

	r.Handle("trips/smart/generate", s.handleSmartGenerate)
	r.Handle("trips/smart/activate", s.handleSmartActivate)
	r.Handle("trips/smart/list", s.handleSmartList)

	r.Handle("trips/recommendations/list", s.handleRecommendationsList)
	r.Handle("trips/recommendations/accept", s.handleRecommendationAccept)
	r.Handle("trips/recommendations/reject", s.handleRecommendationReject)

	r.Handle("assignments/list", s.handleAssignmentsList)
	r.Handle("notifications/list", s.handleNotificationsList)
	r.Handle("notifications/read", s.handleNotificationRead)
	r.Handle("locations/update", s.handleLocationUpdate)
	r.Handle("analytics/summary", s.handleAnalyticsSummary)
}

// emit publishes a domain event; state changes never fail because the bus
// hiccuped.
func (s *Service) emit(ctx context.Context, key string, payload any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, key, payload); err != nil {
		s.log.Warn("event publish failed", zap.String("routing_key", key), zap.Error(err))
	}
}

// mayOperate allows dispatchers and above, or the trip's own driver.
func (s *Service) mayOperate(p auth.Principal, t *store.Trip) error {
	if p.HasRole(auth.RoleDispatcher) {
		return nil
	}
	if p.Role == auth.RoleDriver && t.DriverID != "" && t.DriverID == p.UserID {
		return nil
	}
	return errs.Authorization("only dispatch or the assigned driver may operate trip %s", t.ID)
}

// idArg resolves an id from the residual path or a named body field.
func idArg(req *rpc.Request, field string) (string, error) {
	if req.Rest != "" {
		return req.Rest, nil
	}
	var body map[string]any
	if err := req.Bind(&body); err != nil {
		return "", errs.Validation("malformed request body")
	}
	if v, ok := body[field].(string); ok && v != "" {
		return v, nil
	}
	return "", errs.Validation("%s is required", field)
}

func validPriority(p string) bool {
	switch p {
	case "", store.PriorityLow, store.PriorityNormal, store.PriorityHigh, store.PriorityUrgent:
		return true
	}
	return false
}
