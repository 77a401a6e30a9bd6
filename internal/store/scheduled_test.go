package store

import (
	"testing"
	"time"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
)

func testScheduled(name string) *ScheduledTrip {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return &ScheduledTrip{
		Name:        name,
		Origin:      Place{Name: "Pretoria", Location: geo.Point{Lat: -25.7479, Lng: 28.2293}},
		Destination: Place{Name: "Johannesburg", Location: geo.Point{Lat: -26.2041, Lng: 28.0473}},
		Priority:    PriorityNormal,
		StartWindow: start,
		EndWindow:   start.Add(4 * time.Hour),
		CreatedBy:   "u1",
	}
}

func TestScheduledTripWindowValidation(t *testing.T) {
	s := New()
	st := testScheduled("bad")
	st.EndWindow = st.StartWindow
	if _, err := s.CreateScheduledTrip(st); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("kind = %v, want Validation", errs.KindOf(err))
	}
}

func TestSmartTripRequiresScheduled(t *testing.T) {
	s := New()
	_, err := s.InsertSmartTrip(&SmartTrip{ScheduledTripID: "missing"})
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestActivateSmartTripConsumesProposal(t *testing.T) {
	s := New()
	st, err := s.CreateScheduledTrip(testScheduled("window trip"))
	if err != nil {
		t.Fatalf("CreateScheduledTrip: %v", err)
	}

	sm, err := s.InsertSmartTrip(&SmartTrip{
		ScheduledTripID: st.ID,
		OptimizedStart:  st.StartWindow.Add(time.Hour),
		OptimizedEnd:    st.StartWindow.Add(2 * time.Hour),
		VehicleID:       "v1",
		DriverID:        "d1",
		RouteInfo:       &RouteInfo{DistanceM: 53000, DurationS: 3600},
		Reasoning:       []string{"light traffic at 11:00"},
	})
	if err != nil {
		t.Fatalf("InsertSmartTrip: %v", err)
	}

	trip, err := s.ActivateSmartTrip(sm.ID, "dispatcher-7")
	if err != nil {
		t.Fatalf("ActivateSmartTrip: %v", err)
	}

	if trip.Name != "window trip" {
		t.Errorf("trip name = %q", trip.Name)
	}
	if trip.VehicleID != "v1" || trip.DriverID != "d1" {
		t.Errorf("trip crew = %s/%s", trip.VehicleID, trip.DriverID)
	}
	if !trip.ScheduledStart.Equal(sm.OptimizedStart) {
		t.Errorf("scheduled_start = %v, want optimized start", trip.ScheduledStart)
	}
	if trip.RouteInfo == nil || trip.RouteInfo.DurationS != 3600 {
		t.Error("route info not carried over")
	}

	// proposal and scheduled trip are consumed
	if _, err := s.GetSmartTrip(sm.ID); errs.KindOf(err) != errs.KindNotFound {
		t.Error("smart trip survived activation")
	}
	if _, err := s.GetScheduledTrip(st.ID); errs.KindOf(err) != errs.KindNotFound {
		t.Error("scheduled trip survived activation")
	}

	// assignment opened atomically
	a, err := s.ActiveAssignmentForVehicle("v1")
	if err != nil {
		t.Fatalf("assignment missing: %v", err)
	}
	if a.TripID != trip.ID || a.DriverID != "d1" {
		t.Errorf("assignment = %+v", a)
	}

	// double activation fails
	if _, err := s.ActivateSmartTrip(sm.ID, "dispatcher-7"); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("second activation: kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestActivateSmartTripBusyCrew(t *testing.T) {
	s := New()
	st, _ := s.CreateScheduledTrip(testScheduled("w"))
	sm, _ := s.InsertSmartTrip(&SmartTrip{
		ScheduledTripID: st.ID,
		OptimizedStart:  st.StartWindow,
		OptimizedEnd:    st.EndWindow,
		VehicleID:       "v1",
		DriverID:        "d1",
	})

	// vehicle taken elsewhere
	if _, err := s.CreateAssignment("other-trip", "v1", "d2", time.Now()); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}

	if _, err := s.ActivateSmartTrip(sm.ID, "u"); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("kind = %v, want Conflict", errs.KindOf(err))
	}

	// proposal must survive the failed activation
	if _, err := s.GetSmartTrip(sm.ID); err != nil {
		t.Error("failed activation consumed the proposal")
	}
}

func TestDeleteScheduledCascadesSmart(t *testing.T) {
	s := New()
	st, _ := s.CreateScheduledTrip(testScheduled("w"))
	sm, _ := s.InsertSmartTrip(&SmartTrip{ScheduledTripID: st.ID, VehicleID: "v1", DriverID: "d1"})

	if err := s.DeleteScheduledTrip(st.ID); err != nil {
		t.Fatalf("DeleteScheduledTrip: %v", err)
	}
	if _, err := s.GetSmartTrip(sm.ID); errs.KindOf(err) != errs.KindNotFound {
		t.Error("orphaned smart trip left behind")
	}
}
