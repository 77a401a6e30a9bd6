package rpc

import (
	"context"
	"testing"
	"time"
)

func noopHandler(ctx context.Context, req *Request) (any, error) {
	return nil, nil
}

func TestRouterExactMatch(t *testing.T) {
	r := NewRouter()
	r.Handle("trips", noopHandler)
	r.Handle("trips/active", noopHandler)

	_, prefix, rest, _, ok := r.Route("trips/active")
	if !ok {
		t.Fatal("no match")
	}
	if prefix != "trips/active" || rest != "" {
		t.Errorf("prefix = %q, rest = %q", prefix, rest)
	}
}

func TestRouterLongestPrefixWins(t *testing.T) {
	r := NewRouter()
	r.Handle("trips", noopHandler)
	r.Handle("trips/active", noopHandler)

	_, prefix, rest, _, ok := r.Route("trips/active/all")
	if !ok {
		t.Fatal("no match")
	}
	if prefix != "trips/active" {
		t.Errorf("prefix = %q, want trips/active", prefix)
	}
	if rest != "all" {
		t.Errorf("rest = %q, want all", rest)
	}

	_, prefix, rest, _, ok = r.Route("trips/upcoming/7")
	if !ok {
		t.Fatal("no match for shorter prefix")
	}
	if prefix != "trips" || rest != "upcoming/7" {
		t.Errorf("prefix = %q, rest = %q", prefix, rest)
	}
}

func TestRouterNormalizesSlashes(t *testing.T) {
	r := NewRouter()
	r.Handle("/trips/", noopHandler)

	if _, prefix, _, _, ok := r.Route("trips"); !ok || prefix != "trips" {
		t.Errorf("ok = %v, prefix = %q", ok, prefix)
	}
	if _, _, rest, _, ok := r.Route("/trips/42/"); !ok || rest != "42" {
		t.Errorf("ok = %v, rest = %q", ok, rest)
	}
}

func TestRouterNoMatch(t *testing.T) {
	r := NewRouter()
	r.Handle("trips", noopHandler)

	if _, _, _, _, ok := r.Route("vehicles/7"); ok {
		t.Error("matched an unregistered endpoint")
	}
	// "tripstore" shares a string prefix but not a segment prefix.
	if _, _, _, _, ok := r.Route("tripstore"); ok {
		t.Error("matched across a segment boundary")
	}
}

func TestRouterTimeoutOverride(t *testing.T) {
	r := NewRouter()
	r.Handle("trips", noopHandler)
	r.HandleTimeout("analytics", 90*time.Second, noopHandler)

	if _, _, _, timeout, _ := r.Route("trips/1"); timeout != 0 {
		t.Errorf("default route timeout = %v, want 0", timeout)
	}
	if _, _, _, timeout, _ := r.Route("analytics/fleet"); timeout != 90*time.Second {
		t.Errorf("override timeout = %v", timeout)
	}

	// Config-driven override lands on the registered prefix; unknown
	// prefixes are ignored.
	r.SetTimeout("trips", 40*time.Second)
	r.SetTimeout("no/such/endpoint", time.Second)
	if _, _, _, timeout, _ := r.Route("trips/1"); timeout != 40*time.Second {
		t.Errorf("SetTimeout not applied: %v", timeout)
	}
}
