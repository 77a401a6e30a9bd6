package trips

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/auth"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
	"github.com/samfms/core/internal/pings"
	"github.com/samfms/core/internal/rpc"
	"github.com/samfms/core/internal/store"
)

// CreateTripRequest is the body for trips/create.
type CreateTripRequest struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Origin         store.Place   `json:"origin"`
	Destination    store.Place   `json:"destination"`
	Waypoints      []store.Place `json:"waypoints,omitempty"`
	VehicleID      string        `json:"vehicle_id,omitempty"`
	DriverID       string        `json:"driver_id,omitempty"`
	Priority       string        `json:"priority,omitempty"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	ScheduledEnd   time.Time     `json:"scheduled_end"`
}

// CreateTripResponse carries the trip and, when vehicle and driver were named,
// the assignment created with it.
type CreateTripResponse struct {
	Trip       *store.Trip              `json:"trip"`
	Assignment *store.VehicleAssignment `json:"assignment,omitempty"`
}

func (s *Service) handleCreate(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDispatcher); err != nil {
		return nil, err
	}
	var body CreateTripRequest
	if err := req.Bind(&body); err != nil {
		return nil, errs.Validation("malformed request body")
	}
	if !validPriority(body.Priority) {
		return nil, errs.Validation("invalid priority %q", body.Priority)
	}
	if (body.VehicleID == "") != (body.DriverID == "") {
		return nil, errs.Validation("vehicle_id and driver_id must be assigned together")
	}

	trip, err := s.store.CreateTrip(&store.Trip{
		Name:           body.Name,
		Description:    body.Description,
		Origin:         body.Origin,
		Destination:    body.Destination,
		Waypoints:      body.Waypoints,
		VehicleID:      body.VehicleID,
		DriverID:       body.DriverID,
		Priority:       body.Priority,
		ScheduledStart: body.ScheduledStart,
		ScheduledEnd:   body.ScheduledEnd,
		CreatedBy:      req.Principal.UserID,
	})
	if err != nil {
		return nil, err
	}

	resp := &CreateTripResponse{Trip: trip}
	if body.VehicleID != "" {
		assignment, err := s.store.CreateAssignment(trip.ID, body.VehicleID, body.DriverID, body.ScheduledStart)
		if err != nil {
			// The trip is unusable without its assignment; take it back out.
			if delErr := s.store.DeleteTrip(trip.ID); delErr != nil {
				s.log.Error("orphan trip cleanup failed", zap.String("trip_id", trip.ID), zap.Error(delErr))
			}
			return nil, err
		}
		resp.Assignment = assignment
		s.emit(ctx, "assignments.created", map[string]any{
			"assignment_id": assignment.ID,
			"trip_id":       trip.ID,
			"vehicle_id":    assignment.VehicleID,
			"driver_id":     assignment.DriverID,
		})
	}

	s.emit(ctx, "trips.created", map[string]any{
		"trip_id":    trip.ID,
		"name":       trip.Name,
		"priority":   trip.Priority,
		"vehicle_id": trip.VehicleID,
		"driver_id":  trip.DriverID,
		"created_by": trip.CreatedBy,
	})
	s.log.Info("trip created",
		zap.String("trip_id", trip.ID),
		zap.String("created_by", trip.CreatedBy))
	return resp, nil
}

func (s *Service) handleGet(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	id, err := idArg(req, "trip_id")
	if err != nil {
		return nil, err
	}
	return s.store.FindTrip(id)
}

// UpdateTripRequest carries partial trip updates; absent fields stay put.
type UpdateTripRequest struct {
	TripID         string     `json:"trip_id"`
	Name           *string    `json:"name,omitempty"`
	Description    *string    `json:"description,omitempty"`
	Priority       *string    `json:"priority,omitempty"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
}

func (s *Service) handleUpdate(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDispatcher); err != nil {
		return nil, err
	}
	var body UpdateTripRequest
	if err := req.Bind(&body); err != nil {
		return nil, errs.Validation("malformed request body")
	}
	if body.TripID == "" {
		body.TripID = req.Rest
	}
	if body.TripID == "" {
		return nil, errs.Validation("trip_id is required")
	}
	if body.Priority != nil && (!validPriority(*body.Priority) || *body.Priority == "") {
		return nil, errs.Validation("invalid priority %q", *body.Priority)
	}

	trip, err := s.store.UpdateTrip(body.TripID, func(t *store.Trip) error {
		if body.Name != nil {
			if *body.Name == "" {
				return errs.Validation("trip name cannot be empty")
			}
			t.Name = *body.Name
		}
		if body.Description != nil {
			t.Description = *body.Description
		}
		if body.Priority != nil {
			t.Priority = *body.Priority
		}
		if body.ScheduledStart != nil {
			t.ScheduledStart = *body.ScheduledStart
		}
		if body.ScheduledEnd != nil {
			t.ScheduledEnd = *body.ScheduledEnd
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "trips.updated", map[string]any{"trip_id": trip.ID})
	return trip, nil
}

func (s *Service) handleDelete(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDispatcher); err != nil {
		return nil, err
	}
	id, err := idArg(req, "trip_id")
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteTrip(id); err != nil {
		return nil, err
	}
	s.emit(ctx, "trips.deleted", map[string]any{"trip_id": id})
	return map[string]any{"trip_id": id, "deleted": true}, nil
}

// handleActive lists running trips; trips/active/all includes scheduled ones.
func (s *Service) handleActive(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	out := s.store.ListTripsByStatus(store.TripInProgress)
	out = append(out, s.store.ListTripsByStatus(store.TripPaused)...)
	if req.Rest == "all" {
		out = append(out, s.store.ListTripsByStatus(store.TripScheduled)...)
	}
	return out, nil
}

func (s *Service) handleStart(ctx context.Context, req *rpc.Request) (any, error) {
	id, err := idArg(req, "trip_id")
	if err != nil {
		return nil, err
	}
	trip, err := s.store.GetTrip(id)
	if err != nil {
		return nil, err
	}
	if err := s.mayOperate(req.Principal, trip); err != nil {
		return nil, err
	}

	trip, err = s.store.TransitionTrip(id, store.TripScheduled, store.TripInProgress)
	if err != nil {
		return nil, err
	}
	s.openSessions(ctx, trip)
	s.emit(ctx, "trips.started", map[string]any{
		"trip_id":    trip.ID,
		"vehicle_id": trip.VehicleID,
		"driver_id":  trip.DriverID,
	})
	s.log.Info("trip started", zap.String("trip_id", trip.ID))
	return trip, nil
}

func (s *Service) handlePause(ctx context.Context, req *rpc.Request) (any, error) {
	trip, err := s.transition(ctx, req, store.TripInProgress, store.TripPaused, "trips.paused")
	if err != nil {
		return nil, err
	}
	// Drivers are not expected to ping while paused.
	if s.monitor != nil {
		s.monitor.EndSession(trip.ID)
	}
	return trip, nil
}

func (s *Service) handleResume(ctx context.Context, req *rpc.Request) (any, error) {
	trip, err := s.transition(ctx, req, store.TripPaused, store.TripInProgress, "trips.resumed")
	if err != nil {
		return nil, err
	}
	s.openSessions(ctx, trip)
	return trip, nil
}

func (s *Service) handleComplete(ctx context.Context, req *rpc.Request) (any, error) {
	return s.transition(ctx, req, store.TripInProgress, store.TripCompleted, "trips.completed")
}

// handleCancel moves a trip to cancelled from whatever live state it is in.
func (s *Service) handleCancel(ctx context.Context, req *rpc.Request) (any, error) {
	id, err := idArg(req, "trip_id")
	if err != nil {
		return nil, err
	}
	trip, err := s.store.GetTrip(id)
	if err != nil {
		return nil, err
	}
	if err := s.mayOperate(req.Principal, trip); err != nil {
		return nil, err
	}

	trip, err = s.store.TransitionTrip(id, trip.Status, store.TripCancelled)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "trips.cancelled", map[string]any{"trip_id": trip.ID})
	s.log.Info("trip cancelled", zap.String("trip_id", trip.ID))
	return trip, nil
}

// transition factors the shared fetch/authorize/CAS/emit path of the simple
// lifecycle edges.
func (s *Service) transition(ctx context.Context, req *rpc.Request, from, to, event string) (*store.Trip, error) {
	id, err := idArg(req, "trip_id")
	if err != nil {
		return nil, err
	}
	trip, err := s.store.GetTrip(id)
	if err != nil {
		return nil, err
	}
	if err := s.mayOperate(req.Principal, trip); err != nil {
		return nil, err
	}

	trip, err = s.store.TransitionTrip(id, from, to)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, event, map[string]any{"trip_id": trip.ID})
	s.log.Info("trip transitioned",
		zap.String("trip_id", trip.ID),
		zap.String("status", trip.Status))
	return trip, nil
}

// openSessions starts tracking and pings for a trip entering in_progress.
// Failures are logged; the trip still runs.
func (s *Service) openSessions(ctx context.Context, trip *store.Trip) {
	if trip.VehicleID != "" {
		if _, err := s.store.StartTrackingSession(trip.ID, trip.VehicleID); err != nil {
			s.log.Warn("tracking session not started", zap.String("trip_id", trip.ID), zap.Error(err))
		}
	}
	if s.monitor != nil && trip.DriverID != "" {
		if _, err := s.monitor.StartSession(trip.ID, trip.DriverID); err != nil {
			s.log.Warn("ping session not started", zap.String("trip_id", trip.ID), zap.Error(err))
		}
	}
}

func (s *Service) handlePing(ctx context.Context, req *rpc.Request) (any, error) {
	var ping pings.Ping
	if err := req.Bind(&ping); err != nil {
		return nil, errs.Validation("malformed request body")
	}
	if ping.TripID == "" {
		ping.TripID = req.Rest
	}
	if ping.TripID == "" {
		return nil, errs.Validation("trip_id is required")
	}

	trip, err := s.store.GetTrip(ping.TripID)
	if err != nil {
		return nil, err
	}
	if err := s.mayOperate(req.Principal, trip); err != nil {
		return nil, err
	}
	return s.monitor.HandlePing(ctx, ping)
}

// LocationUpdate is the raw telematics position report.
type LocationUpdate struct {
	VehicleID string    `json:"vehicle_id"`
	Position  geo.Point `json:"position"`
	SpeedKMH  float64   `json:"speed_kmh,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (s *Service) handleLocationUpdate(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleDriver); err != nil {
		return nil, err
	}
	var body LocationUpdate
	if err := req.Bind(&body); err != nil {
		return nil, errs.Validation("malformed request body")
	}
	if body.VehicleID == "" {
		return nil, errs.Validation("vehicle_id is required")
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = s.now()
	}

	if err := s.store.UpsertVehicleLocation(store.VehicleLocation{
		VehicleID: body.VehicleID,
		Position:  body.Position,
		SpeedKMH:  body.SpeedKMH,
		Heading:   body.Heading,
		Timestamp: body.Timestamp,
	}); err != nil {
		return nil, err
	}

	// Keep the live feed fresh for whichever trip this vehicle is running.
	for _, t := range s.store.ListTripsByVehicle(body.VehicleID) {
		if t.Status != store.TripInProgress {
			continue
		}
		if err := s.store.TouchTrackingSession(t.ID); err != nil {
			s.log.Debug("tracking session touch failed", zap.String("trip_id", t.ID), zap.Error(err))
		}
	}

	s.emit(ctx, "locations.updated", body)
	return map[string]any{"vehicle_id": body.VehicleID, "recorded_at": body.Timestamp}, nil
}
