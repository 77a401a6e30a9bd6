package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(KindValidation, "field %q is required", "origin")
	if e.Kind != KindValidation {
		t.Errorf("Kind = %q, want %q", e.Kind, KindValidation)
	}
	if e.Message != `field "origin" is required` {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Timestamp == "" {
		t.Error("Timestamp should be set at construction")
	}
	if e.Error() != e.Message {
		t.Errorf("Error() = %q, want %q", e.Error(), e.Message)
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, KindBroker, "publish failed")

	if e.Kind != KindBroker {
		t.Errorf("Kind = %q, want %q", e.Kind, KindBroker)
	}
	want := "publish failed: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestWrapNil(t *testing.T) {
	if e := Wrap(nil, KindStorage, "whatever"); e != nil {
		t.Errorf("Wrap(nil) = %v, want nil", e)
	}
}

func TestIsMatchesKind(t *testing.T) {
	a := NotFound("trip abc")
	b := NotFound("vehicle xyz")
	if !errors.Is(a, b) {
		t.Error("two NotFound errors should match with errors.Is")
	}
	if errors.Is(a, Conflict("other")) {
		t.Error("NotFound should not match Conflict")
	}
}

func TestSentinelMatching(t *testing.T) {
	err := Wrap(ErrNoDriverAvailable, KindBusinessRule, "trip planning failed")
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Error("wrapped sentinel should still match")
	}
}

func TestWithDetailsAndCorrelation(t *testing.T) {
	base := Validation("bad time window")
	e := base.WithDetails("end before start").WithCorrelation("corr-1")

	if e.Details != "end before start" {
		t.Errorf("Details = %q", e.Details)
	}
	if e.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q", e.CorrelationID)
	}
	// originals untouched
	if base.Details != "" || base.CorrelationID != "" {
		t.Error("WithDetails/WithCorrelation must not mutate the receiver")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", Authorization("denied"), KindAuthorization},
		{"wrapped typed", fmt.Errorf("outer: %w", RateLimit("slow down")), KindRateLimit},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindTimeout},
		{"plain", fmt.Errorf("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}
}

func TestHTTPStatusTable(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, 400},
		{KindAuthentication, 401},
		{KindAuthorization, 403},
		{KindNotFound, 404},
		{KindConflict, 409},
		{KindBusinessRule, 422},
		{KindRateLimit, 429},
		{KindInternal, 500},
		{KindBroker, 500},
		{KindStorage, 500},
		{KindUpstream, 502},
		{KindServiceUnavailable, 503},
		{KindTimeout, 504},
		{Kind("Bogus"), 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestStackOnlyInDevModeForServerClass(t *testing.T) {
	SetDevMode(false)
	if e := Internal("boom"); e.Stack != "" {
		t.Error("stack should be absent outside dev mode")
	}

	SetDevMode(true)
	defer SetDevMode(false)

	if e := Internal("boom"); e.Stack == "" {
		t.Error("server-class error should carry a stack in dev mode")
	}
	if e := Validation("bad"); e.Stack != "" {
		t.Error("client-class error should never carry a stack")
	}
}
