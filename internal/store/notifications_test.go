package store

import (
	"testing"
	"time"

	"github.com/samfms/core/internal/errs"
)

func TestNotificationsUnreadAndMarkRead(t *testing.T) {
	s := New()
	out := s.InsertNotifications([]*Notification{
		{UserID: "u1", Type: "trip_started", Title: "Trip started", Message: "m1"},
		{UserID: "u1", Type: "reroute", Title: "New route", Message: "m2"},
		{UserID: "u2", Type: "reroute", Title: "New route", Message: "m3"},
	})
	if len(out) != 3 {
		t.Fatalf("inserted %d", len(out))
	}

	u1 := s.UnreadNotifications("u1")
	if len(u1) != 2 {
		t.Fatalf("u1 unread = %d, want 2", len(u1))
	}

	if err := s.MarkNotificationRead(u1[0].ID, "u1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if got := s.UnreadNotifications("u1"); len(got) != 1 {
		t.Errorf("after read: unread = %d, want 1", len(got))
	}

	// cannot mark someone else's notification
	u2 := s.UnreadNotifications("u2")
	if err := s.MarkNotificationRead(u2[0].ID, "u1"); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("cross-user read: kind = %v, want NotFound", errs.KindOf(err))
	}

	// marking twice is idempotent
	if err := s.MarkNotificationRead(u1[0].ID, "u1"); err != nil {
		t.Errorf("second mark errored: %v", err)
	}
}

func seedLiveTrip(t *testing.T, s *Store) *Trip {
	t.Helper()
	tr, err := s.CreateTrip(testTrip("live"))
	if err != nil {
		t.Fatalf("seed trip: %v", err)
	}
	if _, err := s.TransitionTrip(tr.ID, TripScheduled, TripInProgress); err != nil {
		t.Fatalf("start trip: %v", err)
	}
	got, _ := s.GetTrip(tr.ID)
	return got
}

func TestAcceptRecommendationSwapsRoute(t *testing.T) {
	s := New()
	tr := seedLiveTrip(t, s)
	if _, err := s.UpdateTrip(tr.ID, func(x *Trip) error {
		x.RouteInfo = &RouteInfo{DistanceM: 50000, DurationS: 3600}
		return nil
	}); err != nil {
		t.Fatalf("seed route: %v", err)
	}

	rec, err := s.InsertRecommendation(&RouteRecommendation{
		TripID:           tr.ID,
		VehicleID:        "v1",
		CurrentRoute:     &RouteInfo{DistanceM: 50000, DurationS: 3600},
		RecommendedRoute: &RouteInfo{DistanceM: 55000, DurationS: 2700},
		TimeSavingsS:     900,
		TrafficSeverity:  "severe",
		Confidence:       0.95,
	})
	if err != nil {
		t.Fatalf("InsertRecommendation: %v", err)
	}

	updated, err := s.AcceptRecommendation(rec.ID)
	if err != nil {
		t.Fatalf("AcceptRecommendation: %v", err)
	}
	if updated.RouteInfo.DurationS != 2700 {
		t.Errorf("route not swapped: %v", updated.RouteInfo.DurationS)
	}
	if _, err := s.GetRecommendation(rec.ID); errs.KindOf(err) != errs.KindNotFound {
		t.Error("recommendation survived acceptance")
	}
}

func TestRejectRecommendationLeavesTrip(t *testing.T) {
	s := New()
	tr := seedLiveTrip(t, s)
	s.UpdateTrip(tr.ID, func(x *Trip) error {
		x.RouteInfo = &RouteInfo{DurationS: 3600}
		return nil
	})
	rec, _ := s.InsertRecommendation(&RouteRecommendation{
		TripID:           tr.ID,
		RecommendedRoute: &RouteInfo{DurationS: 2700},
	})

	if err := s.RejectRecommendation(rec.ID); err != nil {
		t.Fatalf("RejectRecommendation: %v", err)
	}
	got, _ := s.GetTrip(tr.ID)
	if got.RouteInfo.DurationS != 3600 {
		t.Error("reject changed the trip route")
	}
	if err := s.RejectRecommendation(rec.ID); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("double reject: kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestExpireRecommendationsIdempotent(t *testing.T) {
	s := New()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { return tick })

	tr := seedLiveTrip(t, s)
	s.InsertRecommendation(&RouteRecommendation{TripID: tr.ID, RecommendedRoute: &RouteInfo{}})
	tick = base.Add(time.Hour)
	s.InsertRecommendation(&RouteRecommendation{TripID: tr.ID, RecommendedRoute: &RouteInfo{}})

	cutoff := base.Add(30 * time.Minute)
	if n := s.ExpireRecommendationsBefore(cutoff); n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	if n := s.ExpireRecommendationsBefore(cutoff); n != 0 {
		t.Errorf("second expiry removed %d, want 0", n)
	}
	if got := s.RecommendationsForTrip(tr.ID); len(got) != 1 {
		t.Errorf("remaining = %d, want 1", len(got))
	}
}

func TestTerminalTripDropsRecommendations(t *testing.T) {
	s := New()
	tr := seedLiveTrip(t, s)
	rec, _ := s.InsertRecommendation(&RouteRecommendation{TripID: tr.ID, RecommendedRoute: &RouteInfo{}})

	s.TransitionTrip(tr.ID, TripInProgress, TripCompleted)
	if _, err := s.GetRecommendation(rec.ID); errs.KindOf(err) != errs.KindNotFound {
		t.Error("recommendation survived trip completion")
	}
}

func TestVehicleLocationUpsertUnique(t *testing.T) {
	s := New()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	s.UpsertVehicleLocation(VehicleLocation{VehicleID: "v1", Timestamp: base})
	s.UpsertVehicleLocation(VehicleLocation{VehicleID: "v1", SpeedKMH: 40, Timestamp: base.Add(time.Minute)})

	loc, err := s.GetVehicleLocation("v1")
	if err != nil {
		t.Fatalf("GetVehicleLocation: %v", err)
	}
	if loc.SpeedKMH != 40 {
		t.Error("upsert did not replace the live row")
	}

	// both samples kept in history
	hist := s.LocationHistory("v1", base, base.Add(time.Hour))
	if len(hist) != 2 {
		t.Errorf("history = %d, want 2", len(hist))
	}

	// purge removes only old entries
	if n := s.PurgeLocationHistoryBefore(base.Add(30 * time.Second)); n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if got := s.LocationHistory("v1", base, base.Add(time.Hour)); len(got) != 1 {
		t.Errorf("remaining = %d, want 1", len(got))
	}
}

func TestFleetMirrorAvailability(t *testing.T) {
	s := New()
	s.UpsertVehicle(Vehicle{ID: "v1", Available: true})
	s.UpsertVehicle(Vehicle{ID: "v2", Available: false})
	s.UpsertDriver(Driver{ID: "d1", Available: true, TripsCompleted: 9, TripsCancelled: 1})
	s.UpsertDriver(Driver{ID: "d2", Available: true})

	if got := s.AvailableVehicles(); len(got) != 1 || got[0].ID != "v1" {
		t.Errorf("AvailableVehicles = %+v", got)
	}
	if got := s.AvailableDrivers(); len(got) != 2 {
		t.Errorf("AvailableDrivers = %d, want 2", len(got))
	}

	// crew on an active assignment is unavailable
	s.CreateAssignment("t1", "v1", "d1", time.Now())
	if got := s.AvailableVehicles(); len(got) != 0 {
		t.Errorf("assigned vehicle still available: %+v", got)
	}
	if got := s.AvailableDrivers(); len(got) != 1 || got[0].ID != "d2" {
		t.Errorf("AvailableDrivers = %+v", got)
	}

	d, _ := s.GetDriver("d1")
	if r := d.CompletionRate(); r != 0.9 {
		t.Errorf("completion rate = %v, want 0.9", r)
	}
	d2, _ := s.GetDriver("d2")
	if r := d2.CompletionRate(); r != 0 {
		t.Errorf("no-history completion rate = %v, want 0", r)
	}
}
