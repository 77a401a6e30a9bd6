package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samfms/core/internal/errs"
)

func noop(ctx context.Context) error { return nil }

func TestRegisterValidation(t *testing.T) {
	s := New(nil, nil)

	if err := s.Register("", time.Second, 0, noop); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("empty name: kind = %q, want Validation", errs.KindOf(err))
	}
	if err := s.Register("sweep", 0, 0, noop); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("zero interval: kind = %q, want Validation", errs.KindOf(err))
	}
	if err := s.Register("sweep", time.Second, 0, nil); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("nil task: kind = %q, want Validation", errs.KindOf(err))
	}
	if err := s.Register("sweep", time.Second, 0, noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register("sweep", time.Second, 0, noop); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("duplicate name: kind = %q, want Conflict", errs.KindOf(err))
	}
}

func TestTasksRunPeriodically(t *testing.T) {
	s := New(nil, nil)
	var runs atomic.Int64
	s.Register("counter", 20*time.Millisecond, 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("task ran %d times before the first interval elapsed", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got < 2 {
		t.Errorf("runs = %d, want at least 2", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestPanicDoesNotStopOtherTasks(t *testing.T) {
	s := New(nil, nil)
	var healthy atomic.Int64
	s.Register("panics", 15*time.Millisecond, 0, func(ctx context.Context) error {
		panic("boom")
	})
	s.Register("steady", 15*time.Millisecond, 0, func(ctx context.Context) error {
		healthy.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	if healthy.Load() < 2 {
		t.Errorf("steady task ran %d times alongside a panicking sibling", healthy.Load())
	}

	var panicked TaskStatus
	for _, st := range s.Tasks() {
		if st.Name == "panics" {
			panicked = st
		}
	}
	if panicked.Failures < 1 {
		t.Errorf("panicking task failures = %d, want >= 1", panicked.Failures)
	}
	if !strings.Contains(panicked.LastError, "panicked") {
		t.Errorf("last error = %q, want panic mention", panicked.LastError)
	}
}

func TestTaskErrorsAreCountedNotFatal(t *testing.T) {
	s := New(nil, nil)
	var runs atomic.Int64
	s.Register("sweep", 15*time.Millisecond, 0, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("sweep failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if runs.Load() < 2 {
		t.Fatalf("task stopped after an error, runs = %d", runs.Load())
	}
	st := s.Tasks()[0]
	if st.Failures != st.Runs {
		t.Errorf("failures = %d, runs = %d, want equal", st.Failures, st.Runs)
	}
	if !strings.Contains(st.LastError, "sweep failed") {
		t.Errorf("last error = %q", st.LastError)
	}
}

func TestShutdownGraceIsBounded(t *testing.T) {
	s := New(nil, nil)
	s.grace = 50 * time.Millisecond
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	s.Register("stuck", 10*time.Millisecond, 0, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler hung past its shutdown grace")
	}
	close(block)
}

func TestRegisterAfterRunRefused(t *testing.T) {
	s := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	if err := s.Register("late", time.Second, 0, noop); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("kind = %q, want Conflict", errs.KindOf(err))
	}
}
