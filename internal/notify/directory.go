// Package notify resolves role targeted messages into per-user
// notifications, persists them, and announces them on the event bus through
// a bounded async dispatch queue.
package notify

import (
	"context"
	"sort"
	"sync"
)

// RoleDirectory maps a role name to the users holding it. The trips service
// does not own user accounts; the directory mirrors them from security
// events.
type RoleDirectory interface {
	UsersInRole(ctx context.Context, role string) ([]string, error)
}

// MemoryDirectory is the in-process role mirror.
type MemoryDirectory struct {
	mu    sync.RWMutex
	roles map[string]map[string]struct{} // role -> user ids
	users map[string]string              // user id -> role
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		roles: make(map[string]map[string]struct{}),
		users: make(map[string]string),
	}
}

// Assign puts a user in a role, replacing any previous role. An empty role
// removes the user.
func (d *MemoryDirectory) Assign(userID, role string) {
	if userID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.users[userID]; ok {
		delete(d.roles[prev], userID)
	}
	if role == "" {
		delete(d.users, userID)
		return
	}
	if d.roles[role] == nil {
		d.roles[role] = make(map[string]struct{})
	}
	d.roles[role][userID] = struct{}{}
	d.users[userID] = role
}

// Remove drops a user from the mirror.
func (d *MemoryDirectory) Remove(userID string) {
	d.Assign(userID, "")
}

// UsersInRole implements RoleDirectory. Results are sorted for stable
// fanout order.
func (d *MemoryDirectory) UsersInRole(ctx context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.roles[role]))
	for id := range d.roles[role] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// RoleOf returns the user's mirrored role, empty when unknown.
func (d *MemoryDirectory) RoleOf(userID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID]
}
