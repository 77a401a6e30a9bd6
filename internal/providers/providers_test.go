package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/samfms/core/internal/config"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
)

var testPath = []geo.Point{
	{Lat: -25.7479, Lng: 28.2293},
	{Lat: -25.7600, Lng: 28.2400},
	{Lat: -25.7700, Lng: 28.2500},
}

func routingServer(t *testing.T, routes int, capture *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, capture); err != nil {
				t.Errorf("request body: %v", err)
			}
		}
		var out []map[string]any
		for i := 0; i < routes; i++ {
			out = append(out, map[string]any{
				"distance": 12000 + i*1000,
				"duration": 900 + i*60,
				"geometry": geo.EncodePolyline(testPath),
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"routes": out})
	}))
}

func testProviders(cfg config.ProviderConfig) *HTTPProviders {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 100
	}
	return NewHTTP(cfg, nil, nil)
}

func TestRouteParsesResponse(t *testing.T) {
	var captured map[string]any
	srv := routingServer(t, 1, &captured)
	defer srv.Close()

	p := testProviders(config.ProviderConfig{RoutingURL: srv.URL})
	route, err := p.Route(context.Background(), testPath[0], testPath[2], []geo.Point{testPath[1]})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if route.DistanceM != 12000 || route.DurationS != 900 {
		t.Errorf("route = %+v", route)
	}
	if len(route.Coordinates) != len(testPath) {
		t.Errorf("coordinates = %d, want %d", len(route.Coordinates), len(testPath))
	}

	coords, ok := captured["coordinates"].([]any)
	if !ok || len(coords) != 3 {
		t.Fatalf("request coordinates = %v", captured["coordinates"])
	}
	if mass, _ := captured["vehicle_mass"].(float64); mass != VehicleMassKG {
		t.Errorf("vehicle_mass = %v", captured["vehicle_mass"])
	}
}

func TestAlternativesCapped(t *testing.T) {
	srv := routingServer(t, 4, nil)
	defer srv.Close()

	p := testProviders(config.ProviderConfig{RoutingURL: srv.URL})
	routes, err := p.Alternatives(context.Background(), testPath[0], testPath[2], 2)
	if err != nil {
		t.Fatalf("alternatives: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %d", len(routes))
	}
}

func TestRouteUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := testProviders(config.ProviderConfig{RoutingURL: srv.URL})
	_, err := p.Route(context.Background(), testPath[0], testPath[2], nil)
	if errs.KindOf(err) != errs.KindUpstream {
		t.Fatalf("err = %v, kind = %v", err, errs.KindOf(err))
	}
}

func TestRouteEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"routes":[]}`)
	}))
	defer srv.Close()

	p := testProviders(config.ProviderConfig{RoutingURL: srv.URL})
	_, err := p.Route(context.Background(), testPath[0], testPath[2], nil)
	if errs.KindOf(err) != errs.KindUpstream {
		t.Fatalf("err = %v", err)
	}
}

func TestFlowRatio(t *testing.T) {
	var gotPoint string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPoint = r.URL.Query().Get("point")
		fmt.Fprint(w, `{"flowSegmentData":{"currentTravelTime":450,"freeFlowTravelTime":300}}`)
	}))
	defer srv.Close()

	p := testProviders(config.ProviderConfig{TrafficURL: srv.URL})
	ratio, err := p.FlowRatio(context.Background(), testPath[0], testPath[2], time.Now())
	if err != nil {
		t.Fatalf("flow ratio: %v", err)
	}
	if ratio != 1.5 {
		t.Errorf("ratio = %v", ratio)
	}
	if gotPoint == "" {
		t.Error("point query parameter missing")
	}
}

func TestFlowRatioMissingTimes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"flowSegmentData":{}}`)
	}))
	defer srv.Close()

	p := testProviders(config.ProviderConfig{TrafficURL: srv.URL})
	_, err := p.FlowRatio(context.Background(), testPath[0], testPath[2], time.Time{})
	if errs.KindOf(err) != errs.KindUpstream {
		t.Fatalf("err = %v", err)
	}
}

func TestRateLimitExhausted(t *testing.T) {
	srv := routingServer(t, 1, nil)
	defer srv.Close()

	p := NewHTTP(config.ProviderConfig{
		RoutingURL: srv.URL,
		RateLimit:  0.001,
		RateBurst:  1,
	}, nil, nil)

	if _, err := p.Route(context.Background(), testPath[0], testPath[2], nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := p.Route(context.Background(), testPath[0], testPath[2], nil)
	if errs.KindOf(err) != errs.KindRateLimit {
		t.Fatalf("err = %v, kind = %v", err, errs.KindOf(err))
	}
}

func TestUnconfiguredProviders(t *testing.T) {
	p := testProviders(config.ProviderConfig{})
	if _, err := p.Route(context.Background(), testPath[0], testPath[2], nil); err == nil {
		t.Error("expected error for unconfigured routing url")
	}
	if _, err := p.FlowRatio(context.Background(), testPath[0], testPath[2], time.Time{}); err == nil {
		t.Error("expected error for unconfigured traffic url")
	}
}
