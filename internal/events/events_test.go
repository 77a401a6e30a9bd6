package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/samfms/core/internal/broker"
	"github.com/samfms/core/internal/errs"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"trips.created", "trips.created", true},
		{"trips.*", "trips.created", true},
		{"trips.*", "trips.ping.received", false},
		{"*.created", "trips.created", true},
		{"vehicle.*", "trips.created", false},
		{"trips.*.changed", "trips.route.changed", true},
		{"trips.created", "trips.cancelled", false},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.pattern, tc.key); got != tc.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, expected := range want {
		if got := RetryDelay(2*time.Second, attempt); got != expected {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, expected)
		}
	}
	if got := RetryDelay(0, 0); got != 2*time.Second {
		t.Errorf("default delay = %v", got)
	}
}

func TestEventDomain(t *testing.T) {
	e := Event{Type: "trips.route.changed"}
	if e.Domain() != "trips" {
		t.Errorf("domain = %q", e.Domain())
	}
	e = Event{Type: "ping"}
	if e.Domain() != "ping" {
		t.Errorf("domain = %q", e.Domain())
	}
}

func TestGzipRoundTrip(t *testing.T) {
	body := []byte(strings.Repeat("traffic ahead ", 2048))
	packed, err := gzipBytes(body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if len(packed) >= len(body) {
		t.Fatalf("compressed %d >= plain %d", len(packed), len(body))
	}
	plain, err := gunzipBytes(packed)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if string(plain) != string(body) {
		t.Fatal("round trip mismatch")
	}
}

type fakePublish struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeBus struct {
	exchanges []broker.ExchangeSpec
	queues    []broker.QueueSpec
	binds     []string
	published []fakePublish
	handler   broker.DeliveryHandler

	failDLX   bool
	failRetry bool
}

func (f *fakeBus) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) error {
	f.exchanges = append(f.exchanges, spec)
	return nil
}

func (f *fakeBus) DeclareQueue(ctx context.Context, spec broker.QueueSpec) error {
	f.queues = append(f.queues, spec)
	return nil
}

func (f *fakeBus) Bind(ctx context.Context, queue, key, exchange string) error {
	f.binds = append(f.binds, queue+"|"+key+"|"+exchange)
	return nil
}

func (f *fakeBus) Consume(ctx context.Context, queue string, prefetch int, handler broker.DeliveryHandler) error {
	f.handler = handler
	return nil
}

func (f *fakeBus) PublishMsg(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
	if f.failDLX && strings.HasSuffix(exchange, "_dlx") {
		return errs.Broker("dead letter exchange unavailable")
	}
	if f.failRetry && exchange == "" {
		return errs.Broker("channel closed")
	}
	f.published = append(f.published, fakePublish{exchange: exchange, key: key, msg: msg})
	return nil
}

func eventDelivery(t *testing.T, routingKey string, payload any, headers amqp091.Table) amqp091.Delivery {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body, err := json.Marshal(Event{
		ID:        "e1",
		Type:      routingKey,
		Source:    "vehicle",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return amqp091.Delivery{
		RoutingKey:  routingKey,
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
	}
}

func testSubscriber(t *testing.T, bus *fakeBus, h Handler) *Subscriber {
	t.Helper()
	sub := NewSubscriber(SubscriberConfig{Service: "trips", DLQEnabled: true}, bus, nil, nil)
	sub.sleep = func(ctx context.Context, d time.Duration) bool { return true }
	if err := sub.On("vehicle", "vehicle.*", h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return sub
}

func TestSubscriberTopology(t *testing.T) {
	bus := &fakeBus{}
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error { return nil })

	var events, dlq *broker.QueueSpec
	for i := range bus.queues {
		switch bus.queues[i].Name {
		case "trips_events_queue":
			events = &bus.queues[i]
		case "trips_dlq":
			dlq = &bus.queues[i]
		}
	}
	if events == nil || dlq == nil {
		t.Fatalf("queues = %+v", bus.queues)
	}
	if events.TTL != 5*time.Minute || events.MaxLength != 1000 || events.Overflow != "drop-head" {
		t.Errorf("events queue = %+v", *events)
	}

	for _, want := range []string{
		"trips_dlq|failed|trips_dlx",
		"trips_events_queue|vehicle.*|vehicle_events",
	} {
		found := false
		for _, b := range bus.binds {
			if b == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing bind %s (got %v)", want, bus.binds)
		}
	}
	if bus.handler == nil {
		t.Fatal("consume handler not installed")
	}
}

func TestSubscriberDispatch(t *testing.T) {
	bus := &fakeBus{}
	var got *Event
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error {
		got = evt
		return nil
	})

	d := eventDelivery(t, "vehicle.updated", map[string]string{"vehicle_id": "v1"}, nil)
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got == nil || got.Type != "vehicle.updated" {
		t.Fatalf("event = %+v", got)
	}
	var payload map[string]string
	if err := got.Decode(&payload); err != nil || payload["vehicle_id"] != "v1" {
		t.Fatalf("payload = %v, err = %v", payload, err)
	}
	if len(bus.published) != 0 {
		t.Errorf("unexpected publishes: %+v", bus.published)
	}
}

func TestSubscriberUnknownKeyDropped(t *testing.T) {
	bus := &fakeBus{}
	called := false
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error {
		called = true
		return nil
	})

	d := eventDelivery(t, "driver.created", nil, nil)
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if called {
		t.Error("handler ran for unmatched key")
	}
	if len(bus.published) != 0 {
		t.Errorf("unexpected publishes: %+v", bus.published)
	}
}

func TestSubscriberRetrySchedule(t *testing.T) {
	bus := &fakeBus{}
	fail := errors.New("db down")
	sub := NewSubscriber(SubscriberConfig{Service: "trips", DLQEnabled: true}, bus, nil, nil)
	var delays []time.Duration
	sub.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}
	if err := sub.On("vehicle", "vehicle.*", func(ctx context.Context, evt *Event) error { return fail }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// First failure: no retry header yet.
	d := eventDelivery(t, "vehicle.updated", nil, nil)
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(bus.published) != 1 {
		t.Fatalf("published = %+v", bus.published)
	}
	retry := bus.published[0]
	if retry.exchange != "" || retry.key != "trips_events_queue" {
		t.Fatalf("retry went to %q/%q", retry.exchange, retry.key)
	}
	if n := retryCount(retry.msg.Headers); n != 1 {
		t.Errorf("retry count = %d", n)
	}
	if k := retry.msg.Headers[HeaderOriginalRoutingKey]; k != "vehicle.updated" {
		t.Errorf("original routing key = %v", k)
	}

	// Redeliveries arrive via the default exchange, keyed by queue name.
	for attempt := 1; attempt <= 2; attempt++ {
		rd := amqp091.Delivery{
			RoutingKey: "trips_events_queue",
			Headers:    bus.published[len(bus.published)-1].msg.Headers,
			Body:       d.Body,
		}
		if err := bus.handler(context.Background(), rd); err != nil {
			t.Fatalf("handle attempt %d: %v", attempt, err)
		}
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestSubscriberDeadLetterAfterMaxRetries(t *testing.T) {
	bus := &fakeBus{}
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error {
		return errors.New("still failing")
	})

	d := eventDelivery(t, "vehicle.updated", nil, amqp091.Table{
		HeaderRetryCount:         int32(3),
		HeaderOriginalRoutingKey: "vehicle.updated",
	})
	d.RoutingKey = "trips_events_queue"
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(bus.published) != 1 {
		t.Fatalf("published = %+v", bus.published)
	}
	dead := bus.published[0]
	if dead.exchange != "trips_dlx" || dead.key != DLQKey {
		t.Fatalf("dead letter went to %q/%q", dead.exchange, dead.key)
	}
	h := dead.msg.Headers
	if h[HeaderMaxRetriesExceeded] != true {
		t.Errorf("max retries header = %v", h[HeaderMaxRetriesExceeded])
	}
	if h[HeaderOriginalRoutingKey] != "vehicle.updated" {
		t.Errorf("original key header = %v", h[HeaderOriginalRoutingKey])
	}
	if reason, _ := h[HeaderFailureReason].(string); !strings.Contains(reason, "still failing") {
		t.Errorf("failure reason = %v", h[HeaderFailureReason])
	}
	if ts, _ := h[HeaderFailedTimestamp].(string); ts == "" {
		t.Error("failed timestamp header missing")
	}
}

func TestSubscriberDeadLetterFailureAcks(t *testing.T) {
	bus := &fakeBus{failDLX: true}
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error {
		return errors.New("still failing")
	})

	d := eventDelivery(t, "vehicle.updated", nil, amqp091.Table{HeaderRetryCount: int32(3)})
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("dead letter failure must ack, got %v", err)
	}
	if len(bus.published) != 0 {
		t.Errorf("unexpected publishes: %+v", bus.published)
	}
}

func TestSubscriberRetryRepublishFailureRequeues(t *testing.T) {
	bus := &fakeBus{failRetry: true}
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error {
		return errors.New("transient")
	})

	d := eventDelivery(t, "vehicle.updated", nil, nil)
	err := bus.handler(context.Background(), d)
	if !errors.Is(err, broker.ErrRequeue) {
		t.Fatalf("err = %v, want ErrRequeue", err)
	}
}

func TestSubscriberGzipBody(t *testing.T) {
	bus := &fakeBus{}
	var got *Event
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error {
		got = evt
		return nil
	})

	d := eventDelivery(t, "vehicle.updated", map[string]string{"k": "v"}, nil)
	packed, err := gzipBytes(d.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	d.Body = packed
	d.ContentEncoding = "gzip"
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got == nil || got.Type != "vehicle.updated" {
		t.Fatalf("event = %+v", got)
	}
}

func TestSubscriberMalformedBodyDeadLetters(t *testing.T) {
	bus := &fakeBus{}
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error { return nil })

	d := amqp091.Delivery{RoutingKey: "vehicle.updated", Body: []byte("{not json")}
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(bus.published) != 1 || bus.published[0].exchange != "trips_dlx" {
		t.Fatalf("published = %+v", bus.published)
	}
}

func TestSubscriberHandlerPanicRetries(t *testing.T) {
	bus := &fakeBus{}
	testSubscriber(t, bus, func(ctx context.Context, evt *Event) error {
		panic("boom")
	})

	d := eventDelivery(t, "vehicle.updated", nil, nil)
	if err := bus.handler(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(bus.published) != 1 || bus.published[0].key != "trips_events_queue" {
		t.Fatalf("published = %+v", bus.published)
	}
}
