package pings

import (
	"context"
	"testing"
	"time"

	"github.com/samfms/core/internal/geo"
	"github.com/samfms/core/internal/store"
)

func TestPurgeLocationHistoryTask(t *testing.T) {
	st := store.New()
	old := time.Now().Add(-100 * 24 * time.Hour)
	fresh := time.Now().Add(-time.Hour)
	for _, ts := range []time.Time{old, fresh} {
		if err := st.UpsertVehicleLocation(store.VehicleLocation{
			VehicleID: "v1",
			Position:  geo.Point{Lat: -25.7, Lng: 28.2},
			Timestamp: ts,
		}); err != nil {
			t.Fatalf("upsert location: %v", err)
		}
	}

	task := PurgeLocationHistoryTask(st, 90*24*time.Hour, nil)
	if err := task(context.Background()); err != nil {
		t.Fatalf("task: %v", err)
	}

	history := st.LocationHistory("v1", time.Now().Add(-365*24*time.Hour), time.Now())
	if len(history) != 1 {
		t.Fatalf("history samples = %d, want 1", len(history))
	}
	if !history[0].Timestamp.Equal(fresh) {
		t.Errorf("surviving sample at %v, want %v", history[0].Timestamp, fresh)
	}
	if err := task(context.Background()); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	// The live position survives purges.
	if _, err := st.GetVehicleLocation("v1"); err != nil {
		t.Errorf("live location gone: %v", err)
	}
}

func TestCloseStaleTrackingTask(t *testing.T) {
	st := store.New()
	base := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	clock := base
	st.SetClock(func() time.Time { return clock })

	if _, err := st.StartTrackingSession("t1", "v1"); err != nil {
		t.Fatalf("start session t1: %v", err)
	}
	if _, err := st.StartTrackingSession("t2", "v2"); err != nil {
		t.Fatalf("start session t2: %v", err)
	}

	clock = base.Add(25 * time.Hour)
	if err := st.TouchTrackingSession("t2"); err != nil {
		t.Fatalf("touch t2: %v", err)
	}

	task := CloseStaleTrackingTask(st, 24*time.Hour, nil)
	if err := task(context.Background()); err != nil {
		t.Fatalf("task: %v", err)
	}

	if err := st.TouchTrackingSession("t1"); err == nil {
		t.Error("idle session should be closed")
	}
	if err := st.TouchTrackingSession("t2"); err != nil {
		t.Errorf("fresh session should stay open: %v", err)
	}
}
