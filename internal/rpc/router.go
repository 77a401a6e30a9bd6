package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samfms/core/internal/auth"
)

// Request is what a handler receives: the routed request with its body and
// the verified caller.
type Request struct {
	Method    string
	Endpoint  string
	Rest      string // residual path after the matched prefix
	Data      json.RawMessage
	Principal auth.Principal
	Envelope  *RequestEnvelope
}

// Bind unmarshals the request body into out.
func (r *Request) Bind(out any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

// Handler processes one routed request. The returned value becomes the
// response data; an error becomes an error response typed by its kind.
type Handler func(ctx context.Context, req *Request) (any, error)

type route struct {
	prefix   string
	segments []string
	handler  Handler
	timeout  time.Duration
}

// Router maps endpoint prefixes to handlers by longest-prefix match. The
// table is fixed at startup; matching is lock-free after that in practice
// but a mutex keeps registration safe anyway.
type Router struct {
	mu       sync.RWMutex
	exact    map[string]*route
	prefixes []*route // sorted by segment count, longest first
}

func NewRouter() *Router {
	return &Router{exact: make(map[string]*route)}
}

// Handle registers a handler for an endpoint prefix.
func (r *Router) Handle(prefix string, h Handler) {
	r.HandleTimeout(prefix, 0, h)
}

// HandleTimeout registers a handler with a per-endpoint timeout overriding
// the server default.
func (r *Router) HandleTimeout(prefix string, timeout time.Duration, h Handler) {
	normalized := normalizeEndpoint(prefix)
	rt := &route{
		prefix:   normalized,
		segments: splitEndpoint(normalized),
		handler:  h,
		timeout:  timeout,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[normalized] = rt
	r.prefixes = append(r.prefixes, rt)
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].segments) > len(r.prefixes[j].segments)
	})
}

// SetTimeout overrides the timeout of an already-registered prefix. Unknown
// prefixes are ignored so config may name endpoints this build does not
// install.
func (r *Router) SetTimeout(prefix string, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.exact[normalizeEndpoint(prefix)]; ok {
		rt.timeout = timeout
	}
}

// Route resolves an endpoint to its handler. It returns the matched prefix,
// the residual path, and the endpoint's timeout override (0 = default).
func (r *Router) Route(endpoint string) (Handler, string, string, time.Duration, bool) {
	normalized := normalizeEndpoint(endpoint)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.exact[normalized]; ok {
		return rt.handler, rt.prefix, "", rt.timeout, true
	}

	segments := splitEndpoint(normalized)
	for _, rt := range r.prefixes {
		if !segmentsHavePrefix(segments, rt.segments) {
			continue
		}
		rest := strings.Join(segments[len(rt.segments):], "/")
		return rt.handler, rt.prefix, rest, rt.timeout, true
	}
	return nil, "", "", 0, false
}

// Prefixes lists the registered prefixes, longest first.
func (r *Router) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.prefixes))
	for i, rt := range r.prefixes {
		out[i] = rt.prefix
	}
	return out
}

func normalizeEndpoint(endpoint string) string {
	return strings.Trim(endpoint, "/")
}

func splitEndpoint(endpoint string) []string {
	if endpoint == "" {
		return nil
	}
	return strings.Split(endpoint, "/")
}

func segmentsHavePrefix(segments, prefix []string) bool {
	if len(segments) < len(prefix) {
		return false
	}
	for i, seg := range prefix {
		if segments[i] != seg {
			return false
		}
	}
	return true
}
