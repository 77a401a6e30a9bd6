package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/samfms/core/internal/errs"
)

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	in := RequestEnvelope{
		CorrelationID: "abc-123",
		Method:        "POST",
		Endpoint:      "trips/create",
		ReplyTo:       "trips.responses",
		Data:          json.RawMessage(`{"name":"delivery"}`),
		UserContext:   UserContext{UserID: "u1", Role: "driver", FleetIDs: []string{"f1", "f2"}},
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}

	raw, err := json.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out RequestEnvelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.CorrelationID != in.CorrelationID || out.Endpoint != in.Endpoint ||
		out.ReplyTo != in.ReplyTo || string(out.Data) != string(in.Data) ||
		out.UserContext.UserID != in.UserContext.UserID ||
		len(out.UserContext.FleetIDs) != 2 {
		t.Errorf("round trip mangled envelope: %+v", out)
	}
}

func TestPayloadFallsBackToUserContext(t *testing.T) {
	e := &RequestEnvelope{UserContext: UserContext{Data: json.RawMessage(`{"x":1}`)}}
	if string(e.Payload()) != `{"x":1}` {
		t.Errorf("payload = %s", e.Payload())
	}

	e.Data = json.RawMessage(`{"y":2}`)
	if string(e.Payload()) != `{"y":2}` {
		t.Errorf("top-level data not preferred: %s", e.Payload())
	}
}

func TestFailureCarriesStableKind(t *testing.T) {
	resp := Failure("c1", errs.NotFound("trip %s not found", "t9"))
	if resp.Status != StatusError {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Error.Type != "NotFound" {
		t.Errorf("type = %q", resp.Error.Type)
	}
	if resp.Error.Message != "trip t9 not found" {
		t.Errorf("message = %q", resp.Error.Message)
	}

	// Untyped errors surface as Internal.
	resp = Failure("c2", context.DeadlineExceeded)
	if resp.Error.Type != "Timeout" {
		t.Errorf("deadline type = %q, want Timeout", resp.Error.Type)
	}
}

func TestResponseDecode(t *testing.T) {
	resp := Success("c1", map[string]string{"trip_id": "t1"})
	var out map[string]string
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["trip_id"] != "t1" {
		t.Errorf("out = %v", out)
	}

	failure := Failure("c2", errs.Authorization("not yours"))
	err := failure.Decode(&out)
	if errs.KindOf(err) != errs.KindAuthorization {
		t.Errorf("kind = %q, want Authorization", errs.KindOf(err))
	}
	if e, _ := errs.AsError(err); e.CorrelationID != "c2" {
		t.Errorf("correlation id = %q", e.CorrelationID)
	}
}

func TestClientDeliverMatchesPending(t *testing.T) {
	c := NewClient(ClientConfig{Service: "core", Timeout: time.Second}, nil, nil)

	ch := c.register("c1")
	body, _ := json.Marshal(Success("c1", map[string]string{"ok": "yes"}))
	if err := c.handle(context.Background(), amqp091.Delivery{Body: body}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case resp := <-ch:
		if resp.CorrelationID != "c1" {
			t.Errorf("correlation id = %q", resp.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("pending caller never received the response")
	}
}

func TestClientLateResponseDropped(t *testing.T) {
	c := NewClient(ClientConfig{}, nil, nil)
	body, _ := json.Marshal(Success("nobody-waiting", nil))
	if err := c.handle(context.Background(), amqp091.Delivery{Body: body}); err != nil {
		t.Fatalf("late response errored: %v", err)
	}

	// Garbage is dropped too, never requeued.
	if err := c.handle(context.Background(), amqp091.Delivery{Body: []byte("not json")}); err != nil {
		t.Fatalf("garbage response errored: %v", err)
	}
}

func TestEnsureCorrelation(t *testing.T) {
	if got := EnsureCorrelation("keep-me"); got != "keep-me" {
		t.Errorf("got %q", got)
	}
	if got := EnsureCorrelation(""); got == "" {
		t.Error("empty id not replaced")
	}
}
