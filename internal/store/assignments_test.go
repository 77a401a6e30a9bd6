package store

import (
	"sync"
	"testing"
	"time"

	"github.com/samfms/core/internal/errs"
)

func TestAssignmentExclusivity(t *testing.T) {
	s := New()
	start := time.Now()

	a, err := s.CreateAssignment("t1", "v1", "d1", start)
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	if _, err := s.CreateAssignment("t2", "v1", "d2", start); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("same vehicle: kind = %v, want Conflict", errs.KindOf(err))
	}
	if _, err := s.CreateAssignment("t2", "v2", "d1", start); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("same driver: kind = %v, want Conflict", errs.KindOf(err))
	}

	if _, err := s.EndAssignment(a.ID, start.Add(time.Hour)); err != nil {
		t.Fatalf("EndAssignment: %v", err)
	}
	if _, err := s.EndAssignment(a.ID, start.Add(time.Hour)); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("double end: kind = %v, want Conflict", errs.KindOf(err))
	}

	// freed crew can be reassigned
	if _, err := s.CreateAssignment("t3", "v1", "d1", start.Add(2*time.Hour)); err != nil {
		t.Errorf("reassign after end: %v", err)
	}
}

func TestAssignmentExclusivityConcurrent(t *testing.T) {
	s := New()
	start := time.Now()

	const attempts = 50
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.CreateAssignment("trip", "shared-vehicle", "shared-driver", start)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("%d concurrent creates succeeded, want exactly 1", ok)
	}
}

func TestTerminalTripEndsAssignments(t *testing.T) {
	s := New()
	tr, _ := s.CreateTrip(testTrip("t"))
	if _, err := s.CreateAssignment(tr.ID, "v1", "d1", time.Now()); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	s.TransitionTrip(tr.ID, TripScheduled, TripInProgress)
	s.TransitionTrip(tr.ID, TripInProgress, TripCompleted)

	if _, err := s.ActiveAssignmentForVehicle("v1"); errs.KindOf(err) != errs.KindNotFound {
		t.Error("assignment survived trip completion")
	}
	if _, err := s.ActiveAssignmentForDriver("d1"); errs.KindOf(err) != errs.KindNotFound {
		t.Error("driver assignment survived trip completion")
	}

	all := s.ListAssignments()
	if len(all) != 1 || all[0].End == nil {
		t.Errorf("assignment row not closed: %+v", all)
	}
}
