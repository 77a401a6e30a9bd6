package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samfms/core/internal/errs"
)

func testSettings() Settings {
	return Settings{Threshold: 3, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxCalls: 1}
}

func failWith(err error) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) { return nil, err }
}

func succeed(ctx context.Context) (any, error) { return "ok", nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("security", testSettings(), nil, nil)
	boom := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		if _, err := b.Do(context.Background(), failWith(boom)); !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want %v", i, err, boom)
		}
	}
	if got := b.State(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	invoked := false
	_, err := b.Do(context.Background(), func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	if invoked {
		t.Error("guarded function ran while the circuit was open")
	}
	if kind := errs.KindOf(err); kind != errs.KindServiceUnavailable {
		t.Errorf("kind = %q, want ServiceUnavailable", kind)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("traffic", testSettings(), nil, nil)
	boom := errors.New("503")

	b.Do(context.Background(), failWith(boom))
	b.Do(context.Background(), failWith(boom))
	b.Do(context.Background(), succeed)
	b.Do(context.Background(), failWith(boom))
	b.Do(context.Background(), failWith(boom))

	if got := b.State(); got != "closed" {
		t.Fatalf("state = %q, want closed after interleaved success", got)
	}

	b.Do(context.Background(), failWith(boom))
	if got := b.State(); got != "open" {
		t.Fatalf("state = %q, want open after third consecutive failure", got)
	}
}

func TestRecoversThroughHalfOpen(t *testing.T) {
	b := New("routing", testSettings(), nil, nil)
	boom := errors.New("timeout")

	for i := 0; i < 3; i++ {
		b.Do(context.Background(), failWith(boom))
	}
	if got := b.State(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := b.Do(context.Background(), succeed); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if got := b.State(); got != "closed" {
		t.Errorf("state = %q, want closed after successful probe", got)
	}
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b := New("security", testSettings(), nil, nil)
	boom := errors.New("refused")

	for i := 0; i < 3; i++ {
		b.Do(context.Background(), failWith(boom))
	}
	time.Sleep(60 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Do(context.Background(), func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err := b.Do(context.Background(), succeed)
	if kind := errs.KindOf(err); kind != errs.KindServiceUnavailable {
		t.Errorf("second half-open call: kind = %q, want ServiceUnavailable", kind)
	}

	close(release)
	wg.Wait()
}

func TestTypedDo(t *testing.T) {
	b := New("security", testSettings(), nil, nil)

	got, err := Do(context.Background(), b, func(ctx context.Context) (string, error) {
		return "principal", nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if got != "principal" {
		t.Errorf("got %q, want principal", got)
	}
}

func TestSnapshotCounts(t *testing.T) {
	b := New("routing", testSettings(), nil, nil)
	boom := errors.New("down")

	b.Do(context.Background(), failWith(boom))
	b.Do(context.Background(), failWith(boom))

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("state = %q, want closed", snap.State)
	}
	if snap.TotalFailures != 2 {
		t.Errorf("total failures = %d, want 2", snap.TotalFailures)
	}
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", snap.ConsecutiveFailures)
	}
}

func TestGroupReusesBreakers(t *testing.T) {
	g := NewGroup(testSettings(), nil, nil)

	if g.For("security") != g.For("security") {
		t.Error("same dependency produced distinct breakers")
	}
	g.For("routing")

	snaps := g.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps["security"].State != "closed" {
		t.Errorf("security state = %q, want closed", snaps["security"].State)
	}
}
