package trips

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/auth"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/rpc"
	"github.com/samfms/core/internal/store"
)

// ScheduledTripRequest is the body for trips/scheduled/create.
type ScheduledTripRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Origin      store.Place   `json:"origin"`
	Destination store.Place   `json:"destination"`
	Waypoints   []store.Place `json:"waypoints,omitempty"`
	Priority    string        `json:"priority,omitempty"`
	StartWindow time.Time     `json:"start_window"`
	EndWindow   time.Time     `json:"end_window"`
}

func (s *Service) handleScheduledCreate(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDispatcher); err != nil {
		return nil, err
	}
	var body ScheduledTripRequest
	if err := req.Bind(&body); err != nil {
		return nil, errs.Validation("malformed request body")
	}
	if !validPriority(body.Priority) {
		return nil, errs.Validation("invalid priority %q", body.Priority)
	}

	st, err := s.store.CreateScheduledTrip(&store.ScheduledTrip{
		Name:        body.Name,
		Description: body.Description,
		Origin:      body.Origin,
		Destination: body.Destination,
		Waypoints:   body.Waypoints,
		Priority:    body.Priority,
		StartWindow: body.StartWindow,
		EndWindow:   body.EndWindow,
		CreatedBy:   req.Principal.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "trips.scheduled_created", map[string]any{
		"scheduled_trip_id": st.ID,
		"name":              st.Name,
		"start_window":      st.StartWindow,
		"end_window":        st.EndWindow,
	})
	return st, nil
}

func (s *Service) handleScheduledGet(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	id, err := idArg(req, "scheduled_trip_id")
	if err != nil {
		return nil, err
	}
	return s.store.GetScheduledTrip(id)
}

func (s *Service) handleScheduledList(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	return s.store.ListScheduledTrips(), nil
}

func (s *Service) handleScheduledDelete(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDispatcher); err != nil {
		return nil, err
	}
	id, err := idArg(req, "scheduled_trip_id")
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteScheduledTrip(id); err != nil {
		return nil, err
	}
	s.emit(ctx, "trips.scheduled_deleted", map[string]any{"scheduled_trip_id": id})
	return map[string]any{"scheduled_trip_id": id, "deleted": true}, nil
}

func (s *Service) handleSmartGenerate(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDispatcher); err != nil {
		return nil, err
	}
	id, err := idArg(req, "scheduled_trip_id")
	if err != nil {
		return nil, err
	}

	smart, err := s.planner.Plan(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "trips.smart_generated", map[string]any{
		"smart_trip_id":     smart.ID,
		"scheduled_trip_id": smart.ScheduledTripID,
		"vehicle_id":        smart.VehicleID,
		"driver_id":         smart.DriverID,
		"optimized_start":   smart.OptimizedStart,
	})
	s.log.Info("smart trip generated",
		zap.String("smart_trip_id", smart.ID),
		zap.String("scheduled_trip_id", smart.ScheduledTripID))
	return smart, nil
}

// handleSmartActivate turns a proposal into a concrete trip plus its
// assignment in one atomic store step.
func (s *Service) handleSmartActivate(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDispatcher); err != nil {
		return nil, err
	}
	id, err := idArg(req, "smart_trip_id")
	if err != nil {
		return nil, err
	}

	trip, err := s.store.ActivateSmartTrip(id, req.Principal.UserID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "trips.created", map[string]any{
		"trip_id":    trip.ID,
		"name":       trip.Name,
		"priority":   trip.Priority,
		"vehicle_id": trip.VehicleID,
		"driver_id":  trip.DriverID,
		"created_by": trip.CreatedBy,
	})
	s.log.Info("smart trip activated",
		zap.String("smart_trip_id", id),
		zap.String("trip_id", trip.ID))
	return trip, nil
}

func (s *Service) handleSmartList(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	return s.store.ListSmartTrips(), nil
}
