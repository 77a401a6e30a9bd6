package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/store"
)

// EventPublisher is the slice of the event bus the fanout announces on.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Message targets users directly, by role, or both.
type Message struct {
	UserIDs []string
	Roles   []string
	Type    string
	Title   string
	Body    string
	Data    map[string]any
}

// FanoutConfig tunes the async dispatch queue.
type FanoutConfig struct {
	QueueSize int
	Workers   int
}

func (cfg FanoutConfig) withDefaults() FanoutConfig {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return cfg
}

// FanoutStats is a queue snapshot for the status endpoint.
type FanoutStats struct {
	QueueSize int   `json:"queue_size"`
	QueueUsed int   `json:"queue_used"`
	Sent      int64 `json:"sent"`
	Announced int64 `json:"announced"`
	Dropped   int64 `json:"dropped"`
}

// Fanout persists one notification per resolved recipient synchronously,
// then announces each on the event bus from worker goroutines. The announce
// queue is bounded and never blocks a caller; overflow drops the announce,
// not the stored notification.
type Fanout struct {
	cfg   FanoutConfig
	store *store.Store
	dir   RoleDirectory
	pub   EventPublisher
	log   *zap.Logger
	mc    *metrics.Collector

	queue  chan *store.Notification
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent      atomic.Int64
	announced atomic.Int64
	dropped   atomic.Int64
}

// NewFanout starts the dispatch workers. pub may be nil; notifications are
// then stored without bus announcements.
func NewFanout(cfg FanoutConfig, st *store.Store, dir RoleDirectory, pub EventPublisher, log *zap.Logger, mc *metrics.Collector) *Fanout {
	if log == nil {
		log = logging.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fanout{
		cfg:    cfg.withDefaults(),
		store:  st,
		dir:    dir,
		pub:    pub,
		log:    log,
		mc:     mc,
		ctx:    ctx,
		cancel: cancel,
	}
	f.queue = make(chan *store.Notification, f.cfg.QueueSize)
	for i := 0; i < f.cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Send resolves the message's recipients, stores one notification each and
// queues the bus announcements. Unknown roles resolve to nobody; a message
// that resolves to no recipients is a no-op, not an error.
func (f *Fanout) Send(ctx context.Context, msg Message) ([]*store.Notification, error) {
	if msg.Type == "" {
		return nil, errs.Validation("notification type is required")
	}

	recipients := make([]string, 0, len(msg.UserIDs))
	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	for _, id := range msg.UserIDs {
		add(id)
	}
	for _, role := range msg.Roles {
		users, err := f.dir.UsersInRole(ctx, role)
		if err != nil {
			f.log.Warn("role resolution failed", zap.String("role", role), zap.Error(err))
			continue
		}
		for _, id := range users {
			add(id)
		}
	}
	if len(recipients) == 0 {
		f.log.Debug("notification resolved to no recipients",
			zap.String("type", msg.Type),
			zap.Strings("roles", msg.Roles))
		return nil, nil
	}

	batch := make([]*store.Notification, 0, len(recipients))
	for _, userID := range recipients {
		batch = append(batch, &store.Notification{
			UserID:  userID,
			Type:    msg.Type,
			Title:   msg.Title,
			Message: msg.Body,
			Data:    msg.Data,
		})
	}
	inserted := f.store.InsertNotifications(batch)

	for _, n := range inserted {
		f.sent.Add(1)
		select {
		case f.queue <- n:
		default:
			f.dropped.Add(1)
			f.mc.RecordNotification("dropped")
		}
	}
	return inserted, nil
}

// Close stops the workers and waits for them to drain.
func (f *Fanout) Close() {
	f.cancel()
	f.wg.Wait()
}

// Stats snapshots the queue.
func (f *Fanout) Stats() FanoutStats {
	return FanoutStats{
		QueueSize: f.cfg.QueueSize,
		QueueUsed: len(f.queue),
		Sent:      f.sent.Load(),
		Announced: f.announced.Load(),
		Dropped:   f.dropped.Load(),
	}
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case n := <-f.queue:
			f.announce(n)
		}
	}
}

func (f *Fanout) announce(n *store.Notification) {
	if f.pub == nil {
		return
	}
	payload, err := announcePayload(n)
	if err != nil {
		f.log.Error("notification payload build failed", zap.String("notification_id", n.ID), zap.Error(err))
		f.mc.RecordNotification("error")
		return
	}

	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	if err := f.pub.Publish(ctx, "notifications.created", payload); err != nil {
		f.log.Warn("notification announce failed",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Error(err))
		f.mc.RecordNotification("error")
		return
	}
	f.announced.Add(1)
	f.mc.RecordNotification("sent")
}

// announcePayload builds the bus payload field by field so notification
// data keys land under data.* regardless of their types.
func announcePayload(n *store.Notification) (json.RawMessage, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, value)
	}
	set("notification_id", n.ID)
	set("user_id", n.UserID)
	set("type", n.Type)
	set("title", n.Title)
	set("message", n.Message)
	set("created_at", n.CreatedAt.UTC().Format(time.RFC3339Nano))
	for k, v := range n.Data {
		set("data."+k, v)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}
