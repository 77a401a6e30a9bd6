package trips

import (
	"context"

	"github.com/samfms/core/internal/auth"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/rpc"
)

func (s *Service) handleRecommendationsList(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	var body struct {
		TripID string `json:"trip_id"`
	}
	if err := req.Bind(&body); err != nil {
		return nil, errs.Validation("malformed request body")
	}
	if body.TripID == "" {
		body.TripID = req.Rest
	}
	if body.TripID != "" {
		return s.store.RecommendationsForTrip(body.TripID), nil
	}
	return s.store.ListRecommendations(), nil
}

// authorizeRecommendation resolves a recommendation id and checks the caller
// may act on its trip.
func (s *Service) authorizeRecommendation(req *rpc.Request) (string, error) {
	id, err := idArg(req, "recommendation_id")
	if err != nil {
		return "", err
	}
	rec, err := s.store.GetRecommendation(id)
	if err != nil {
		return "", err
	}
	trip, err := s.store.GetTrip(rec.TripID)
	if err != nil {
		return "", err
	}
	if err := s.mayOperate(req.Principal, trip); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) handleRecommendationAccept(ctx context.Context, req *rpc.Request) (any, error) {
	id, err := s.authorizeRecommendation(req)
	if err != nil {
		return nil, err
	}
	return s.reroute.Accept(ctx, id)
}

func (s *Service) handleRecommendationReject(ctx context.Context, req *rpc.Request) (any, error) {
	id, err := s.authorizeRecommendation(req)
	if err != nil {
		return nil, err
	}
	if err := s.reroute.Reject(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"recommendation_id": id, "rejected": true}, nil
}

func (s *Service) handleAssignmentsList(ctx context.Context, req *rpc.Request) (any, error) {
	if err := s.auth.RequireRole(req.Principal, auth.RoleViewer); err != nil {
		return nil, err
	}
	return s.store.ListAssignments(), nil
}

// handleNotificationsList returns the caller's own unread notifications.
func (s *Service) handleNotificationsList(ctx context.Context, req *rpc.Request) (any, error) {
	if req.Principal.UserID == "" {
		return nil, errs.Authentication("missing user identity")
	}
	return s.store.UnreadNotifications(req.Principal.UserID), nil
}

func (s *Service) handleNotificationRead(ctx context.Context, req *rpc.Request) (any, error) {
	if req.Principal.UserID == "" {
		return nil, errs.Authentication("missing user identity")
	}
	id, err := idArg(req, "notification_id")
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkNotificationRead(id, req.Principal.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"notification_id": id, "read": true}, nil
}
