package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFingerprintCanonicalizesJSON(t *testing.T) {
	d := NewDeduper(NewMemoryStore(), 0, 0, nil, nil)

	a := d.Fingerprint("POST", "trips/create", []byte(`{"name":"run","priority":"high"}`))
	b := d.Fingerprint("POST", "trips/create", []byte(`{"priority":"high","name":"run"}`))
	if a != b {
		t.Error("key order changed the fingerprint")
	}

	c := d.Fingerprint("POST", "trips/create", []byte(`{"name":"walk","priority":"high"}`))
	if a == c {
		t.Error("different payloads share a fingerprint")
	}

	e := d.Fingerprint("PUT", "trips/create", []byte(`{"name":"run","priority":"high"}`))
	if a == e {
		t.Error("different methods share a fingerprint")
	}
}

func TestReplayWithinWindow(t *testing.T) {
	d := NewDeduper(NewMemoryStore(), 10*time.Minute, time.Hour, nil, nil)
	ctx := context.Background()

	if _, seen := d.Replay(ctx, "c1"); seen {
		t.Fatal("unseen correlation id reported as replay")
	}

	resp := Success("c1", map[string]string{"trip_id": "t1"})
	d.Record(ctx, "c1", resp)

	got, seen := d.Replay(ctx, "c1")
	if !seen {
		t.Fatal("recorded correlation id not seen")
	}
	if string(got.Data) != string(resp.Data) {
		t.Errorf("replayed data = %s, want %s", got.Data, resp.Data)
	}
}

func TestReplayAgedPastWindow(t *testing.T) {
	store := NewMemoryStore()
	d := NewDeduper(store, 10*time.Minute, time.Hour, nil, nil)
	ctx := context.Background()

	rec := &Record{Response: Success("c1", nil), StoredAt: time.Now().Add(-11 * time.Minute)}
	store.Set(ctx, "c1", rec, time.Hour)

	if _, seen := d.Replay(ctx, "c1"); seen {
		t.Error("record older than the replay window still replayed")
	}
}

func TestShareCoalescesConcurrentRequests(t *testing.T) {
	d := NewDeduper(NewMemoryStore(), 0, 0, nil, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	executions := 0
	var execMu sync.Mutex

	run := func() *ResponseEnvelope {
		execMu.Lock()
		executions++
		execMu.Unlock()
		close(started)
		<-release
		return Success("first", map[string]string{"trip_id": "t1"})
	}

	var wg sync.WaitGroup
	results := make([]*ResponseEnvelope, 2)
	sharedFlags := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 1 {
				<-started // ensure the first call is in flight
			}
			resp, shared, err := d.Share(ctx, "same-fingerprint", run)
			if err != nil {
				t.Errorf("share #%d: %v", i, err)
				return
			}
			results[i] = resp
			sharedFlags[i] = shared
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	if executions != 1 {
		t.Errorf("executions = %d, want 1", executions)
	}
	if results[0] == nil || results[1] == nil || string(results[0].Data) != string(results[1].Data) {
		t.Error("callers did not share one response")
	}
	if !sharedFlags[0] && !sharedFlags[1] {
		t.Error("neither caller was marked shared")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	store.SetClock(func() time.Time { return base })
	ctx := context.Background()

	store.Set(ctx, "old", &Record{StoredAt: base}, time.Hour)
	store.Set(ctx, "fresh", &Record{StoredAt: base}, 3*time.Hour)

	store.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	if removed := store.Sweep(ctx); removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if store.Len() != 1 {
		t.Errorf("len = %d after sweep, want 1", store.Len())
	}

	// Lazy expiry on read behaves the same way.
	store.SetClock(func() time.Time { return base.Add(4 * time.Hour) })
	if rec, _ := store.Get(ctx, "fresh"); rec != nil {
		t.Error("expired record served")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisStore(client, "test:dedup:", nil)
	ctx := context.Background()

	rec := &Record{Response: Success("c9", map[string]int{"n": 3}), StoredAt: time.Now().UTC()}
	if err := store.Set(ctx, "c9", rec, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "c9")
	if err != nil || got == nil {
		t.Fatalf("get: rec=%v err=%v", got, err)
	}
	if got.Response.CorrelationID != "c9" || string(got.Response.Data) != string(rec.Response.Data) {
		t.Errorf("round trip mangled the record: %+v", got.Response)
	}

	mr.FastForward(2 * time.Hour)
	if rec, _ := store.Get(ctx, "c9"); rec != nil {
		t.Error("record survived its TTL")
	}
}
