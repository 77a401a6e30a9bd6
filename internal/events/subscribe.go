package events

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/broker"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/rpc"
)

// Headers stamped on retried and dead-lettered deliveries.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderOriginalError      = "x-original-error"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderFailureReason      = "x-failure-reason"
	HeaderFailedTimestamp    = "x-failed-timestamp"
	HeaderMaxRetriesExceeded = "x-max-retries-exceeded"
	HeaderCorrelationID      = "x-correlation-id"
)

// DLQKey is the routing key failed events are published under.
const DLQKey = "failed"

// DLXFor names a service's dead letter exchange.
func DLXFor(service string) string { return service + "_dlx" }

// DLQFor names a service's dead letter queue.
func DLQFor(service string) string { return service + "_dlq" }

// Bus is the slice of the broker client the subscriber drives. *broker.Client
// satisfies it; tests substitute a fake.
type Bus interface {
	DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) error
	DeclareQueue(ctx context.Context, spec broker.QueueSpec) error
	Bind(ctx context.Context, queue, key, exchange string) error
	Consume(ctx context.Context, queue string, prefetch int, handler broker.DeliveryHandler) error
	PublishMsg(ctx context.Context, exchange, key string, msg amqp091.Publishing) error
}

// Handler processes one decoded event. A nil return acks the delivery; an
// error puts it on the retry path.
type Handler func(ctx context.Context, evt *Event) error

type subscription struct {
	source  string
	pattern string
	handler Handler
}

// SubscriberConfig tunes the consuming side.
type SubscriberConfig struct {
	// Service owns the queue the subscriber consumes from.
	Service string
	// MaxRetries bounds redeliveries before an event is dead-lettered.
	MaxRetries int
	// RetryDelay is the wait before the first redelivery; it doubles on
	// every subsequent attempt.
	RetryDelay time.Duration
	// QueueTTL and MaxLength bound the event queue so a stalled consumer
	// cannot grow it forever. Oldest messages are dropped on overflow.
	QueueTTL  time.Duration
	MaxLength int
	// DLQEnabled declares the dead letter exchange and queue; when false,
	// exhausted events are logged and dropped.
	DLQEnabled bool
	Prefetch   int
}

func (cfg SubscriberConfig) withDefaults() SubscriberConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = 5 * time.Minute
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 1000
	}
	return cfg
}

// Subscriber consumes the service's event queue and dispatches decoded
// events to pattern handlers. Failed events are redelivered with exponential
// backoff and dead-lettered once retries run out; a broken dead letter path
// never blocks the queue.
type Subscriber struct {
	cfg   SubscriberConfig
	bus   Bus
	log   *zap.Logger
	mc    *metrics.Collector
	subs  []subscription
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewSubscriber(cfg SubscriberConfig, bus Bus, log *zap.Logger, mc *metrics.Collector) *Subscriber {
	if log == nil {
		log = logging.Global()
	}
	return &Subscriber{cfg: cfg.withDefaults(), bus: bus, log: log, mc: mc, sleep: sleepCtx}
}

// On registers a handler for events from a producing service whose routing
// key matches pattern. Registration order decides dispatch priority when
// patterns overlap. Call before Start.
func (s *Subscriber) On(source, pattern string, h Handler) error {
	if source == "" || pattern == "" {
		return errs.Validation("event subscription needs a source service and a pattern")
	}
	if h == nil {
		return errs.Validation("event subscription needs a handler")
	}
	s.subs = append(s.subs, subscription{source: source, pattern: pattern, handler: h})
	return nil
}

// Start declares the queue topology, binds every registered pattern and
// begins consuming. The consumer runs until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.cfg.Service == "" {
		return errs.Validation("event subscriber needs a service name")
	}
	if len(s.subs) == 0 {
		return errs.Validation("event subscriber has no subscriptions")
	}

	queue := QueueFor(s.cfg.Service)
	if s.cfg.DLQEnabled {
		if err := s.bus.DeclareExchange(ctx, broker.ExchangeSpec{Name: DLXFor(s.cfg.Service), Kind: "direct", Durable: true}); err != nil {
			return err
		}
		if err := s.bus.DeclareQueue(ctx, broker.QueueSpec{Name: DLQFor(s.cfg.Service), Durable: true}); err != nil {
			return err
		}
		if err := s.bus.Bind(ctx, DLQFor(s.cfg.Service), DLQKey, DLXFor(s.cfg.Service)); err != nil {
			return err
		}
	}

	if err := s.bus.DeclareQueue(ctx, broker.QueueSpec{
		Name:      queue,
		Durable:   true,
		TTL:       s.cfg.QueueTTL,
		MaxLength: s.cfg.MaxLength,
		Overflow:  "drop-head",
	}); err != nil {
		return err
	}

	declared := make(map[string]bool)
	for _, sub := range s.subs {
		exchange := ExchangeFor(sub.source)
		if !declared[exchange] {
			if err := s.bus.DeclareExchange(ctx, broker.ExchangeSpec{Name: exchange, Kind: "topic", Durable: true}); err != nil {
				return err
			}
			declared[exchange] = true
		}
		if err := s.bus.Bind(ctx, queue, sub.pattern, exchange); err != nil {
			return err
		}
	}

	s.log.Info("event subscriber starting",
		zap.String("queue", queue),
		zap.Int("subscriptions", len(s.subs)),
		zap.Bool("dlq", s.cfg.DLQEnabled))
	return s.bus.Consume(ctx, queue, s.cfg.Prefetch, s.handle)
}

// handle is the broker delivery handler. It returns nil in every outcome the
// subscriber resolved itself (ack); only a failed retry republish asks the
// broker to requeue the original.
func (s *Subscriber) handle(ctx context.Context, d amqp091.Delivery) error {
	body := d.Body
	if d.ContentEncoding == "gzip" {
		plain, err := gunzipBytes(body)
		if err != nil {
			s.mc.RecordEventHandled("malformed")
			return s.deadLetter(ctx, d, "gzip body not decodable: "+err.Error())
		}
		body = plain
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		s.mc.RecordEventHandled("malformed")
		return s.deadLetter(ctx, d, "event envelope not decodable: "+err.Error())
	}

	key := routingKeyOf(d)
	if evt.Type == "" {
		evt.Type = key
	}
	if evt.CorrelationID != "" {
		ctx = rpc.WithCorrelation(ctx, evt.CorrelationID)
	}

	handler, ok := s.match(key)
	if !ok {
		// A key with no handler means a stale binding; dropping beats
		// flooding the dead letter queue.
		s.log.Warn("no handler for event, dropping", zap.String("routing_key", key))
		s.mc.RecordEventHandled("dropped")
		return nil
	}

	err := s.invoke(ctx, handler, &evt)
	if err == nil {
		s.mc.RecordEventHandled("ok")
		return nil
	}

	attempt := retryCount(d.Headers)
	if attempt >= s.cfg.MaxRetries {
		s.log.Error("event failed after max retries",
			zap.String("routing_key", key),
			zap.Int("attempts", attempt+1),
			zap.Error(err))
		s.mc.RecordEventHandled("exhausted")
		return s.deadLetter(ctx, d, err.Error())
	}

	delay := RetryDelay(s.cfg.RetryDelay, attempt)
	s.log.Warn("event handler failed, scheduling retry",
		zap.String("routing_key", key),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
		zap.Error(err))
	s.mc.RecordEventHandled("retry")
	if !s.sleep(ctx, delay) {
		return errs.Wrap(broker.ErrRequeue, errs.KindBroker, "retry wait interrupted")
	}
	return s.republish(ctx, d, attempt+1, err)
}

func (s *Subscriber) invoke(ctx context.Context, h Handler, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Internal("event handler panicked: %v", r)
			s.log.Error("event handler panic",
				zap.String("type", evt.Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	return h(ctx, evt)
}

// match returns the first registered handler whose pattern matches key.
func (s *Subscriber) match(key string) (Handler, bool) {
	for _, sub := range s.subs {
		if MatchTopic(sub.pattern, key) {
			return sub.handler, true
		}
	}
	return nil, false
}

// republish puts a failed delivery back on the service's own queue through
// the default exchange with the retry count bumped. Routing through the
// source topic exchange would fan the retry out to every bound queue again.
func (s *Subscriber) republish(ctx context.Context, d amqp091.Delivery, attempt int, cause error) error {
	headers := cloneHeaders(d.Headers)
	headers[HeaderRetryCount] = int32(attempt)
	headers[HeaderOriginalRoutingKey] = routingKeyOf(d)
	if _, ok := headers[HeaderOriginalError]; !ok {
		headers[HeaderOriginalError] = truncate(cause.Error(), 500)
	}

	msg := amqp091.Publishing{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageId:       d.MessageId,
		Headers:         headers,
		Body:            d.Body,
	}
	if err := s.bus.PublishMsg(ctx, "", QueueFor(s.cfg.Service), msg); err != nil {
		// Let the broker redeliver the original instead of losing it.
		return errs.Wrap(broker.ErrRequeue, errs.KindBroker, "retry republish failed: %v", err)
	}
	return nil
}

// deadLetter ships an exhausted delivery to the dead letter exchange. It
// always returns nil: a dead letter failure is logged and the original
// acked, so one poison message can never wedge the queue.
func (s *Subscriber) deadLetter(ctx context.Context, d amqp091.Delivery, reason string) error {
	key := routingKeyOf(d)
	if !s.cfg.DLQEnabled {
		s.log.Error("event dropped, dead letter queue disabled",
			zap.String("routing_key", key),
			zap.String("reason", reason))
		return nil
	}

	headers := cloneHeaders(d.Headers)
	headers[HeaderFailureReason] = truncate(reason, 500)
	headers[HeaderFailedTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	headers[HeaderOriginalRoutingKey] = key
	headers[HeaderMaxRetriesExceeded] = true

	msg := amqp091.Publishing{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageId:       d.MessageId,
		Headers:         headers,
		Body:            d.Body,
	}
	if err := s.bus.PublishMsg(ctx, DLXFor(s.cfg.Service), DLQKey, msg); err != nil {
		s.log.Error("dead letter publish failed, dropping event",
			zap.String("routing_key", key),
			zap.String("reason", reason),
			zap.Error(err))
		return nil
	}
	s.mc.RecordDeadLetter()
	s.log.Warn("event dead lettered",
		zap.String("routing_key", key),
		zap.String("reason", reason))
	return nil
}

// RetryDelay returns the wait before redelivering a message that already
// failed attempt+1 times: the base delay doubled per attempt.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// retryCount reads the retry header, tolerating the integer widths AMQP
// clients encode it with.
func retryCount(headers amqp091.Table) int {
	v, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return 0
}

// routingKeyOf prefers the original routing key header over the delivery
// key, which is the queue name on retried deliveries.
func routingKeyOf(d amqp091.Delivery) string {
	if v, ok := d.Headers[HeaderOriginalRoutingKey]; ok {
		if key, ok := v.(string); ok && key != "" {
			return key
		}
	}
	return d.RoutingKey
}

func cloneHeaders(h amqp091.Table) amqp091.Table {
	out := make(amqp091.Table, len(h)+4)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
