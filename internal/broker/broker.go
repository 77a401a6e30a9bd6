// Package broker owns the service's AMQP connection. It publishes in confirm
// mode, remembers declared topology so reconnects can restore it, and
// supervises consumers across connection loss.
package broker

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

const connectionName = "samfms-core"

// Config carries broker connection settings.
type Config struct {
	URL            string
	Heartbeat      time.Duration
	MaxRetries     int
	PublishTimeout time.Duration
	Prefetch       int
}

// ExchangeSpec describes an exchange to declare.
type ExchangeSpec struct {
	Name    string
	Kind    string // "topic" or "direct"
	Durable bool
}

// QueueSpec describes a queue to declare. Zero-valued optional fields are
// omitted from the declare arguments.
type QueueSpec struct {
	Name      string
	Durable   bool
	TTL       time.Duration
	MaxLength int
	DLX       string
	Overflow  string
}

type bindSpec struct {
	Queue    string
	Key      string
	Exchange string
}

// Client is the shared AMQP connection owner. One Client serves every fabric
// component in the process.
type Client struct {
	cfg Config
	log *zap.Logger
	mc  *metrics.Collector

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu     sync.RWMutex
	conn   *amqp091.Connection
	pubCh  *amqp091.Channel
	ready  chan struct{} // closed while a connection is usable
	closed bool

	exchanges []ExchangeSpec
	queues    []QueueSpec
	bindings  []bindSpec

	consumers atomic.Int64
}

// New creates a disconnected client. Call Connect before use.
func New(cfg Config, log *zap.Logger, mc *metrics.Collector) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if log == nil {
		log = logging.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		log:        log.With(zap.String("component", "broker")),
		mc:         mc,
		lifeCtx:    ctx,
		lifeCancel: cancel,
		ready:      make(chan struct{}),
	}
}

// Connect dials the broker with exponential backoff, opens the confirm-mode
// publish channel and starts the close watcher. Bounded by MaxRetries and ctx.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx, uint64(c.cfg.MaxRetries))
	if err != nil {
		return errs.Wrap(err, errs.KindBroker, "broker connect failed")
	}
	if err := c.install(conn); err != nil {
		conn.Close()
		return errs.Wrap(err, errs.KindBroker, "broker channel setup failed")
	}
	c.log.Info("broker connected")
	return nil
}

func (c *Client) dial(ctx context.Context, maxAttempts uint64) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(connectionName)
	amqpCfg := amqp091.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Properties: props,
	}

	var conn *amqp091.Connection
	op := func() error {
		var err error
		conn, err = amqp091.DialConfig(c.cfg.URL, amqpCfg)
		if err != nil {
			c.log.Warn("broker dial failed", zap.Error(err))
			return err
		}
		return nil
	}

	pol := backoff.WithContext(dialBackoff(maxAttempts), ctx)
	if err := backoff.Retry(op, pol); err != nil {
		return nil, err
	}
	return conn, nil
}

// dialBackoff builds the dial schedule: 2s base, doubling, randomized, capped
// at one minute. maxAttempts=0 retries until the context ends.
func dialBackoff(maxAttempts uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	if maxAttempts == 0 {
		return b
	}
	return backoff.WithMaxRetries(b, maxAttempts-1)
}

// install takes ownership of conn: publish channel in confirm mode, ready
// gate open, close watcher running.
func (c *Client) install(conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.pubCh = ch
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()

	go c.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))
	return nil
}

// watch blocks until the connection dies, then reconnects with unbounded
// backoff and re-declares recorded topology. The successful install starts a
// fresh watcher, so this one returns.
func (c *Client) watch(notify chan *amqp091.Error) {
	reason := <-notify
	if c.isClosed() {
		return
	}
	c.log.Warn("broker connection lost, reconnecting", zap.Error(reason))
	c.teardown()

	for {
		if c.isClosed() {
			return
		}
		conn, err := c.dial(c.lifeCtx, 0)
		if err != nil {
			return // only fails when the client's lifetime ended
		}
		if err := c.install(conn); err != nil {
			c.log.Warn("broker channel setup failed after reconnect", zap.Error(err))
			conn.Close()
			time.Sleep(2 * time.Second)
			continue
		}
		if err := c.redeclare(); err != nil {
			c.log.Error("topology redeclare failed", zap.Error(err))
		}
		c.mc.RecordReconnect()
		c.log.Info("broker reconnected")
		return
	}
}

// teardown drops the dead connection and resets the ready gate so publishers
// block until reconnect.
func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh != nil {
		c.pubCh.Close()
		c.pubCh = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.ready = make(chan struct{})
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// publishChannel returns the confirm-mode channel, waiting through a
// reconnect until ctx expires.
func (c *Client) publishChannel(ctx context.Context) (*amqp091.Channel, error) {
	for {
		c.mu.RLock()
		ch, ready, closed := c.pubCh, c.ready, c.closed
		c.mu.RUnlock()
		if closed {
			return nil, errs.Broker("broker client closed")
		}
		if ch != nil {
			return ch, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, errs.Wrap(ctx.Err(), errs.KindBroker, "broker not connected")
		}
	}
}

// connection returns the live connection, waiting through a reconnect until
// ctx expires.
func (c *Client) connection(ctx context.Context) (*amqp091.Connection, error) {
	for {
		c.mu.RLock()
		conn, ready, closed := c.conn, c.ready, c.closed
		c.mu.RUnlock()
		if closed {
			return nil, errs.Broker("broker client closed")
		}
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, errs.Wrap(ctx.Err(), errs.KindBroker, "broker not connected")
		}
	}
}

// Publish sends a persistent JSON message and waits for the broker confirm.
// It blocks through a reconnect for at most PublishTimeout.
func (c *Client) Publish(ctx context.Context, exchange, key string, body []byte, headers amqp091.Table) error {
	return c.PublishMsg(ctx, exchange, key, amqp091.Publishing{
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
	})
}

// PublishMsg is Publish for callers that need message properties (correlation
// id, reply-to, content encoding). Delivery mode and timestamp are forced.
func (c *Client) PublishMsg(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	ch, err := c.publishChannel(ctx)
	if err != nil {
		c.mc.RecordPublish("error")
		return err
	}

	msg.DeliveryMode = amqp091.Persistent
	msg.Timestamp = time.Now()

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		c.mc.RecordPublish("error")
		return errs.Wrap(err, errs.KindBroker, "publish to %s/%s failed", exchange, key)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		c.mc.RecordPublish("timeout")
		return errs.Wrap(err, errs.KindBroker, "publish confirm timeout")
	}
	if !acked {
		c.mc.RecordPublish("nacked")
		return errs.Broker("publish nacked by broker")
	}
	c.mc.RecordPublish("ok")
	return nil
}

// DeclareExchange declares an exchange and records it for redeclare.
func (c *Client) DeclareExchange(ctx context.Context, spec ExchangeSpec) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return errs.Wrap(err, errs.KindBroker, "declare channel failed")
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(spec.Name, spec.Kind, spec.Durable, false, false, false, nil); err != nil {
		return errs.Wrap(err, errs.KindBroker, "exchange %q declare failed", spec.Name)
	}
	c.recordExchange(spec)
	return nil
}

// DeclareQueue declares a queue passive-first: an existing queue is accepted
// as-is, a missing one is created with spec's arguments. An existing queue
// whose arguments conflict with a concurrent create surfaces as Conflict.
func (c *Client) DeclareQueue(ctx context.Context, spec QueueSpec) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return errs.Wrap(err, errs.KindBroker, "declare channel failed")
	}
	_, perr := ch.QueueDeclarePassive(spec.Name, spec.Durable, false, false, false, nil)
	if perr == nil {
		ch.Close()
		c.recordQueue(spec)
		return nil
	}
	ch.Close()
	if !isNotFound(perr) {
		return errs.Wrap(perr, errs.KindBroker, "queue %q passive declare failed", spec.Name)
	}

	// The failed passive declare killed the channel; declare on a fresh one.
	ch, err = conn.Channel()
	if err != nil {
		return errs.Wrap(err, errs.KindBroker, "declare channel failed")
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(spec.Name, spec.Durable, false, false, false, queueArgs(spec)); err != nil {
		if isPreconditionFailed(err) {
			return errs.Wrap(err, errs.KindConflict, "queue %q config conflict", spec.Name)
		}
		return errs.Wrap(err, errs.KindBroker, "queue %q declare failed", spec.Name)
	}
	c.recordQueue(spec)
	return nil
}

// Bind binds a queue to an exchange and records the binding for redeclare.
func (c *Client) Bind(ctx context.Context, queue, key, exchange string) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return errs.Wrap(err, errs.KindBroker, "declare channel failed")
	}
	defer ch.Close()

	if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return errs.Wrap(err, errs.KindBroker, "bind %s -> %s/%s failed", queue, exchange, key)
	}
	c.recordBinding(bindSpec{Queue: queue, Key: key, Exchange: exchange})
	return nil
}

// redeclare restores recorded topology on a fresh channel after reconnect.
func (c *Client) redeclare() error {
	c.mu.RLock()
	conn := c.conn
	exchanges := append([]ExchangeSpec(nil), c.exchanges...)
	queues := append([]QueueSpec(nil), c.queues...)
	bindings := append([]bindSpec(nil), c.bindings...)
	c.mu.RUnlock()
	if conn == nil {
		return errs.Broker("broker not connected")
	}

	ch, err := conn.Channel()
	if err != nil {
		return errs.Wrap(err, errs.KindBroker, "redeclare channel failed")
	}
	defer ch.Close()

	var first error
	for _, e := range exchanges {
		if err := ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, false, false, false, nil); err != nil {
			c.log.Error("exchange redeclare failed", zap.String("exchange", e.Name), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, queueArgs(q)); err != nil {
			c.log.Error("queue redeclare failed", zap.String("queue", q.Name), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	for _, b := range bindings {
		if err := ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
			c.log.Error("binding redeclare failed", zap.String("queue", b.Queue), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return errs.Wrap(first, errs.KindBroker, "topology redeclare incomplete")
	}
	return nil
}

func (c *Client) recordExchange(spec ExchangeSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.exchanges {
		if e.Name == spec.Name {
			c.exchanges[i] = spec
			return
		}
	}
	c.exchanges = append(c.exchanges, spec)
}

func (c *Client) recordQueue(spec QueueSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queues {
		if q.Name == spec.Name {
			c.queues[i] = spec
			return
		}
	}
	c.queues = append(c.queues, spec)
}

func (c *Client) recordBinding(spec bindSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bindings {
		if b == spec {
			return
		}
	}
	c.bindings = append(c.bindings, spec)
}

// Close shuts the client down. Consumers and reconnect attempts stop; a
// second Close is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.pubCh = nil
	c.mu.Unlock()

	c.lifeCancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether a usable connection is up right now.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}

// Stats returns a snapshot for the admin status surface.
func (c *Client) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"url":       redactURL(c.cfg.URL),
		"connected": c.conn != nil && !c.closed,
		"exchanges": len(c.exchanges),
		"queues":    len(c.queues),
		"bindings":  len(c.bindings),
		"consumers": c.consumers.Load(),
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

func queueArgs(spec QueueSpec) amqp091.Table {
	args := amqp091.Table{}
	if spec.TTL > 0 {
		args["x-message-ttl"] = spec.TTL.Milliseconds()
	}
	if spec.MaxLength > 0 {
		args["x-max-length"] = int64(spec.MaxLength)
	}
	if spec.Overflow != "" {
		args["x-overflow"] = spec.Overflow
	}
	if spec.DLX != "" {
		args["x-dead-letter-exchange"] = spec.DLX
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func isNotFound(err error) bool {
	var ae *amqp091.Error
	if errors.As(err, &ae) {
		return ae.Code == amqp091.NotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var ae *amqp091.Error
	if errors.As(err, &ae) {
		return ae.Code == amqp091.PreconditionFailed
	}
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECONDITION_FAILED") || strings.Contains(msg, "INEQUIVALENT ARG")
}
