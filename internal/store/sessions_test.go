package store

import (
	"testing"
	"time"

	"github.com/samfms/core/internal/errs"
)

func TestPingSessionUniqueActive(t *testing.T) {
	s := New()
	ps, err := s.CreatePingSession("t1", "d1", 30*time.Second)
	if err != nil {
		t.Fatalf("CreatePingSession: %v", err)
	}
	if !ps.IsActive {
		t.Error("new session not active")
	}
	if got := ps.NextPingExpectedAt.Sub(ps.StartedAt); got != 30*time.Second {
		t.Errorf("next expected offset = %v", got)
	}

	if _, err := s.CreatePingSession("t1", "d1", 30*time.Second); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("second active session: kind = %v, want Conflict", errs.KindOf(err))
	}

	s.ClosePingSession("t1")
	if _, err := s.ActivePingSession("t1"); errs.KindOf(err) != errs.KindNotFound {
		t.Error("closed session still active")
	}

	// a fresh session may open after close
	if _, err := s.CreatePingSession("t1", "d1", 30*time.Second); err != nil {
		t.Errorf("reopen after close: %v", err)
	}
}

func TestRecordViolationBumpsSessionCount(t *testing.T) {
	s := New()
	s.CreatePingSession("t1", "d1", 30*time.Second)

	at := time.Now()
	v, count := s.RecordViolation("t1", ViolationSpeeding, "12.5 over", 12.5, at)
	if v.Type != ViolationSpeeding {
		t.Errorf("type = %s", v.Type)
	}
	if v.SpeedOverKMH != 12.5 {
		t.Errorf("SpeedOverKMH = %v, want 12.5", v.SpeedOverKMH)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	_, count = s.RecordViolation("t1", ViolationMissedPing, "", 0, at.Add(time.Minute))
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	ps, _ := s.ActivePingSession("t1")
	if ps.ViolationsCount != 2 {
		t.Errorf("session count = %d, want 2", ps.ViolationsCount)
	}

	list := s.Violations("t1")
	if len(list) != 2 {
		t.Fatalf("violations = %d, want 2", len(list))
	}
	if !list[0].At.Before(list[1].At) {
		t.Error("violations not chronological")
	}

	// violation without session still recorded, count 0
	_, count = s.RecordViolation("t2", ViolationSpeeding, "", 0, at)
	if count != 0 {
		t.Errorf("sessionless count = %d, want 0", count)
	}
}

func TestWatchdogListOrdering(t *testing.T) {
	s := New()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { return tick })

	s.CreatePingSession("t1", "d1", 60*time.Second)
	tick = base.Add(10 * time.Second)
	s.CreatePingSession("t2", "d2", 30*time.Second)

	list := s.ListActivePingSessions()
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	// t2 expects at 12:00:40, t1 at 12:01:00
	if list[0].TripID != "t2" {
		t.Errorf("first = %s, want t2", list[0].TripID)
	}
}

func TestTrackingSessionLifecycle(t *testing.T) {
	s := New()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { return tick })

	first, err := s.StartTrackingSession("t1", "v1")
	if err != nil {
		t.Fatalf("StartTrackingSession: %v", err)
	}
	// idempotent start returns the open session
	again, _ := s.StartTrackingSession("t1", "v1")
	if again.ID != first.ID {
		t.Error("second start opened a new session")
	}

	tick = base.Add(time.Hour)
	if err := s.TouchTrackingSession("t1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	// stale closer: nothing stale yet at 24h threshold
	tick = base.Add(2 * time.Hour)
	if n := s.CloseStaleTrackingSessions(24 * time.Hour); n != 0 {
		t.Errorf("closed %d fresh sessions", n)
	}

	// after 25h idle the session goes stale
	tick = base.Add(26 * time.Hour)
	if n := s.CloseStaleTrackingSessions(24 * time.Hour); n != 1 {
		t.Errorf("closed %d, want 1", n)
	}
	if err := s.TouchTrackingSession("t1"); errs.KindOf(err) != errs.KindNotFound {
		t.Error("stale session still touchable")
	}
}
