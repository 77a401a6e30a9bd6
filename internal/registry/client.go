package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/samfms/core/internal/errs"
)

const maxResponseBytes = 4 << 20

// Client invokes a peer service over HTTP after discovery. Only healthy
// endpoints are dialed; network failures surface as ServiceUnavailable.
type Client struct {
	reg  *Registry
	http *http.Client
}

// NewClient creates a discovery-backed caller. timeout <= 0 means 10s.
func NewClient(reg *Registry, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		reg: reg,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Do discovers service and issues one HTTP request with a JSON body. The
// status code and raw body come back for callers that interpret statuses
// themselves; err covers discovery, encoding and transport failures only.
func (c *Client) Do(ctx context.Context, service, method, path string, body any) (int, []byte, error) {
	ep, err := c.reg.Discover(service)
	if err != nil {
		return 0, nil, err
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errs.Wrap(err, errs.KindInternal, "encode %s request failed", service)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL()+path, rdr)
	if err != nil {
		return 0, nil, errs.Wrap(err, errs.KindInternal, "build %s request failed", service)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errs.Wrap(err, errs.KindServiceUnavailable, "service %s unreachable", service)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, errs.Wrap(err, errs.KindServiceUnavailable, "service %s response read failed", service)
	}
	return resp.StatusCode, respBody, nil
}

// Call issues a request and decodes the JSON response into out. Non-2xx
// responses carrying a taxonomy error body keep their kind; anything else
// maps to Upstream.
func (c *Client) Call(ctx context.Context, service, method, path string, body, out any) error {
	status, respBody, err := c.Do(ctx, service, method, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		var remote errs.Error
		if json.Unmarshal(respBody, &remote) == nil && remote.Kind != "" {
			return errs.New(remote.Kind, "%s", remote.Message)
		}
		return errs.Upstream("service %s returned status %d", service, status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errs.Wrap(err, errs.KindUpstream, "service %s sent a malformed response", service)
	}
	return nil
}
