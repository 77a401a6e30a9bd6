package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/samfms/core/internal/breaker"
	"github.com/samfms/core/internal/config"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/geo"
	"github.com/samfms/core/internal/logging"
)

const maxProviderBody = 4 << 20

// HTTPProviders talks to the external routing and traffic APIs. One shared
// rate limiter covers both so a reroute burst cannot exhaust the plan's
// request quota; each upstream gets its own circuit.
type HTTPProviders struct {
	cfg     config.ProviderConfig
	http    *http.Client
	limiter *rate.Limiter
	routeBr *breaker.Breaker
	flowBr  *breaker.Breaker
	log     *zap.Logger
}

// NewHTTP builds the provider client. breakers supplies the per-dependency
// circuits; pass nil to run without one (tests).
func NewHTTP(cfg config.ProviderConfig, breakers *breaker.Group, log *zap.Logger) *HTTPProviders {
	if log == nil {
		log = logging.Global()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	p := &HTTPProviders{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     log,
	}
	if breakers != nil {
		p.routeBr = breakers.For("routing_provider")
		p.flowBr = breakers.For("traffic_provider")
	}
	return p
}

// Route implements RoutingProvider.
func (p *HTTPProviders) Route(ctx context.Context, origin, destination geo.Point, waypoints []geo.Point) (*Route, error) {
	routes, err := p.requestRoutes(ctx, origin, destination, waypoints, 1)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, errs.Upstream("routing provider returned no route")
	}
	return routes[0], nil
}

// Alternatives implements RoutingProvider.
func (p *HTTPProviders) Alternatives(ctx context.Context, origin, destination geo.Point, max int) ([]*Route, error) {
	if max <= 0 {
		max = 3
	}
	return p.requestRoutes(ctx, origin, destination, nil, max)
}

func (p *HTTPProviders) requestRoutes(ctx context.Context, origin, destination geo.Point, waypoints []geo.Point, alternatives int) ([]*Route, error) {
	if p.cfg.RoutingURL == "" {
		return nil, errs.Upstream("routing provider not configured")
	}
	if !p.limiter.Allow() {
		return nil, errs.RateLimit("routing provider request budget exhausted")
	}

	coords := make([][2]float64, 0, len(waypoints)+2)
	coords = append(coords, [2]float64{origin.Lng, origin.Lat})
	for _, wp := range waypoints {
		coords = append(coords, [2]float64{wp.Lng, wp.Lat})
	}
	coords = append(coords, [2]float64{destination.Lng, destination.Lat})

	payload, err := json.Marshal(map[string]any{
		"coordinates":  coords,
		"alternatives": alternatives,
		"vehicle_mass": VehicleMassKG,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "routing request not encodable")
	}

	body, err := p.do(ctx, p.routeBr, "POST", p.cfg.RoutingURL+"/route", p.cfg.RoutingAPIKey, payload)
	if err != nil {
		return nil, err
	}

	parsed := gjson.GetBytes(body, "routes")
	if !parsed.IsArray() {
		return nil, errs.Upstream("routing provider response missing routes")
	}
	routes := make([]*Route, 0, alternatives)
	for _, r := range parsed.Array() {
		route := &Route{
			DistanceM:   r.Get("distance").Float(),
			DurationS:   r.Get("duration").Float(),
			Coordinates: geo.DecodePolyline(r.Get("geometry").String()),
		}
		if route.DurationS <= 0 {
			continue
		}
		routes = append(routes, route)
		if len(routes) == alternatives {
			break
		}
	}
	return routes, nil
}

// FlowRatio implements TrafficProvider.
func (p *HTTPProviders) FlowRatio(ctx context.Context, origin, destination geo.Point, departure time.Time) (float64, error) {
	if p.cfg.TrafficURL == "" {
		return 0, errs.Upstream("traffic provider not configured")
	}
	if !p.limiter.Allow() {
		return 0, errs.RateLimit("traffic provider request budget exhausted")
	}

	q := url.Values{}
	q.Set("point", fmt.Sprintf("%.6f,%.6f", origin.Lat, origin.Lng))
	q.Set("heading", fmt.Sprintf("%.1f", geo.Bearing(origin, destination)))
	if !departure.IsZero() {
		q.Set("departure", departure.UTC().Format(time.RFC3339))
	}

	body, err := p.do(ctx, p.flowBr, "GET", p.cfg.TrafficURL+"/flow?"+q.Encode(), p.cfg.TrafficAPIKey, nil)
	if err != nil {
		return 0, err
	}

	flow := gjson.GetBytes(body, "flowSegmentData")
	current := flow.Get("currentTravelTime").Float()
	free := flow.Get("freeFlowTravelTime").Float()
	if free <= 0 || current <= 0 {
		return 0, errs.Upstream("traffic provider response missing travel times")
	}
	return current / free, nil
}

// do runs one provider request through the circuit and returns the response
// body. Any non-2xx status is an upstream failure and counts against the
// breaker.
func (p *HTTPProviders) do(ctx context.Context, br *breaker.Breaker, method, rawURL, apiKey string, payload []byte) ([]byte, error) {
	call := func(ctx context.Context) ([]byte, error) {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindInternal, "provider request invalid")
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := p.http.Do(req)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindUpstream, "provider unreachable")
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
		if err != nil {
			return nil, errs.Wrap(err, errs.KindUpstream, "provider response unreadable")
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, errs.Upstream("provider returned %d: %s", resp.StatusCode, truncateBody(body))
		}
		return body, nil
	}

	if br == nil {
		return call(ctx)
	}
	return breaker.Do(ctx, br, call)
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
