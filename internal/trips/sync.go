package trips

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/events"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/notify"
	"github.com/samfms/core/internal/store"
)

// RegisterMirrors subscribes the handlers that keep this service's local
// mirrors current: vehicle and driver events from the management service
// feed the planner's availability view, and user events from the security
// service keep the notification role directory resolvable. Call before the
// subscriber starts.
func RegisterMirrors(sub *events.Subscriber, st *store.Store, dir *notify.MemoryDirectory, log *zap.Logger) error {
	if log == nil {
		log = logging.Global()
	}
	m := &mirror{store: st, dir: dir, log: log}
	if err := sub.On("management", "vehicles.*", m.handleVehicle); err != nil {
		return err
	}
	if err := sub.On("management", "drivers.*", m.handleDriver); err != nil {
		return err
	}
	return sub.On("security", "users.*", m.handleUser)
}

type mirror struct {
	store *store.Store
	dir   *notify.MemoryDirectory
	log   *zap.Logger
}

func (m *mirror) handleVehicle(ctx context.Context, evt *events.Event) error {
	var v store.Vehicle
	if err := evt.Decode(&v); err != nil {
		return err
	}
	if v.ID == "" {
		m.log.Warn("vehicle event without id", zap.String("type", evt.Type))
		return nil
	}
	if strings.HasSuffix(evt.Type, ".deleted") {
		m.store.RemoveVehicle(v.ID)
		return nil
	}
	return m.store.UpsertVehicle(v)
}

func (m *mirror) handleDriver(ctx context.Context, evt *events.Event) error {
	var d store.Driver
	if err := evt.Decode(&d); err != nil {
		return err
	}
	if d.ID == "" {
		m.log.Warn("driver event without id", zap.String("type", evt.Type))
		return nil
	}
	if strings.HasSuffix(evt.Type, ".deleted") {
		m.store.RemoveDriver(d.ID)
		return nil
	}
	return m.store.UpsertDriver(d)
}

type userEvent struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
	Role   string `json:"role"`
}

func (m *mirror) handleUser(ctx context.Context, evt *events.Event) error {
	var u userEvent
	if err := evt.Decode(&u); err != nil {
		return err
	}
	id := u.UserID
	if id == "" {
		id = u.ID
	}
	if id == "" {
		m.log.Warn("user event without id", zap.String("type", evt.Type))
		return nil
	}
	if strings.HasSuffix(evt.Type, ".deleted") {
		m.dir.Remove(id)
		return nil
	}
	if u.Role == "" {
		m.log.Warn("user event without role", zap.String("type", evt.Type), zap.String("user_id", id))
		return nil
	}
	m.dir.Assign(id, u.Role)
	return nil
}
