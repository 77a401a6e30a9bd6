package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/samfms/core/internal/store"
)

func TestDirectoryAssign(t *testing.T) {
	d := NewMemoryDirectory()
	d.Assign("u1", "dispatcher")
	d.Assign("u2", "dispatcher")
	d.Assign("u3", "manager")

	users, err := d.UsersInRole(context.Background(), "dispatcher")
	if err != nil {
		t.Fatalf("users in role: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("dispatchers = %v", users)
	}

	// Reassignment moves the user out of the old role.
	d.Assign("u2", "manager")
	users, _ = d.UsersInRole(context.Background(), "dispatcher")
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("dispatchers after reassign = %v", users)
	}
	if d.RoleOf("u2") != "manager" {
		t.Errorf("role of u2 = %q", d.RoleOf("u2"))
	}

	d.Remove("u1")
	users, _ = d.UsersInRole(context.Background(), "dispatcher")
	if len(users) != 0 {
		t.Fatalf("dispatchers after remove = %v", users)
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	keys   []string
	bodies []json.RawMessage
	done   chan struct{}
	gate   chan struct{} // when set, Publish blocks until closed
}

func (p *capturePublisher) Publish(ctx context.Context, key string, payload any) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	p.keys = append(p.keys, key)
	if raw, ok := payload.(json.RawMessage); ok {
		p.bodies = append(p.bodies, raw)
	}
	p.mu.Unlock()
	if p.done != nil {
		p.done <- struct{}{}
	}
	return nil
}

func (p *capturePublisher) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for announce %d of %d", i+1, n)
		}
	}
}

func TestFanoutResolvesRolesAndStores(t *testing.T) {
	st := store.New()
	dir := NewMemoryDirectory()
	dir.Assign("disp1", "dispatcher")
	dir.Assign("disp2", "dispatcher")
	pub := &capturePublisher{done: make(chan struct{}, 8)}

	f := NewFanout(FanoutConfig{}, st, dir, pub, nil, nil)
	defer f.Close()

	inserted, err := f.Send(context.Background(), Message{
		UserIDs: []string{"driver9", "disp1"}, // disp1 also holds the role; deduped
		Roles:   []string{"dispatcher"},
		Type:    "missed_ping",
		Title:   "Driver unresponsive",
		Body:    "No ping for trip t1",
		Data:    map[string]any{"trip_id": "t1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(inserted) != 3 {
		t.Fatalf("inserted = %d", len(inserted))
	}

	if got := st.UnreadNotifications("disp1"); len(got) != 1 {
		t.Errorf("disp1 unread = %d", len(got))
	}
	if got := st.UnreadNotifications("driver9"); len(got) != 1 {
		t.Errorf("driver9 unread = %d", len(got))
	}

	pub.wait(t, 3)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, key := range pub.keys {
		if key != "notifications.created" {
			t.Errorf("routing key = %q", key)
		}
	}
	body := pub.bodies[0]
	if gjson.GetBytes(body, "notification_id").String() == "" {
		t.Errorf("payload missing notification_id: %s", body)
	}
	if gjson.GetBytes(body, "data.trip_id").String() != "t1" {
		t.Errorf("payload data = %s", body)
	}
}

func TestFanoutNoRecipients(t *testing.T) {
	f := NewFanout(FanoutConfig{}, store.New(), NewMemoryDirectory(), nil, nil, nil)
	defer f.Close()

	inserted, err := f.Send(context.Background(), Message{Roles: []string{"manager"}, Type: "alert"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if inserted != nil {
		t.Fatalf("inserted = %v", inserted)
	}
}

func TestFanoutRequiresType(t *testing.T) {
	f := NewFanout(FanoutConfig{}, store.New(), NewMemoryDirectory(), nil, nil, nil)
	defer f.Close()

	if _, err := f.Send(context.Background(), Message{UserIDs: []string{"u1"}}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFanoutOverflowDropsAnnounce(t *testing.T) {
	st := store.New()
	dir := NewMemoryDirectory()
	gate := make(chan struct{})
	pub := &capturePublisher{gate: gate}

	f := NewFanout(FanoutConfig{QueueSize: 1, Workers: 1}, st, dir, pub, nil, nil)
	defer f.Close()

	_, err := f.Send(context.Background(), Message{
		UserIDs: []string{"u1", "u2", "u3"},
		Type:    "alert",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	close(gate)

	stats := f.Stats()
	if stats.Sent != 3 {
		t.Errorf("sent = %d", stats.Sent)
	}
	// Worker holds at most one, queue one more; the third must drop.
	if stats.Dropped < 1 {
		t.Errorf("dropped = %d", stats.Dropped)
	}
	// All three notifications are stored regardless of announce drops.
	total := 0
	for _, u := range []string{"u1", "u2", "u3"} {
		total += len(st.UnreadNotifications(u))
	}
	if total != 3 {
		t.Errorf("stored = %d", total)
	}
}
