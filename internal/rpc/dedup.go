package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

// Deduper suppresses duplicate requests two ways: replayed correlation ids
// get the stored response back, and concurrent requests with identical
// content share one execution.
type Deduper struct {
	store  Store
	window time.Duration // how recently a correlation id counts as a replay
	ttl    time.Duration // how long records are kept at all
	group  singleflight.Group
	log    *zap.Logger
	mc     *metrics.Collector
}

// NewDeduper builds a deduper over the given store. Defaults: 10 minute
// replay window, 1 hour record TTL.
func NewDeduper(store Store, window, ttl time.Duration, log *zap.Logger, mc *metrics.Collector) *Deduper {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl < window {
		ttl = window
	}
	if log == nil {
		log = logging.Global()
	}
	return &Deduper{store: store, window: window, ttl: ttl, log: log, mc: mc}
}

// Replay reports whether the correlation id was handled within the replay
// window. The stored response comes back for re-sending; a nil response with
// seen=true means the record aged past the window and the request should be
// processed fresh.
func (d *Deduper) Replay(ctx context.Context, correlationID string) (*ResponseEnvelope, bool) {
	if correlationID == "" {
		return nil, false
	}
	rec, err := d.store.Get(ctx, correlationID)
	if err != nil || rec == nil {
		return nil, false
	}
	if time.Since(rec.StoredAt) > d.window {
		return nil, false
	}
	d.mc.RecordDedupHit("replay")
	return rec.Response, true
}

// Record remembers the response for a correlation id.
func (d *Deduper) Record(ctx context.Context, correlationID string, resp *ResponseEnvelope) {
	if correlationID == "" {
		return
	}
	rec := &Record{Response: resp, StoredAt: time.Now()}
	if err := d.store.Set(ctx, correlationID, rec, d.ttl); err != nil {
		d.log.Warn("dedup record not stored", zap.String("correlation_id", correlationID), zap.Error(err))
	}
}

// Fingerprint hashes (method, endpoint, body) into a stable key. The body is
// canonicalized through a decode/encode round trip so equivalent JSON with
// different key order fingerprints identically.
func (d *Deduper) Fingerprint(method, endpoint string, body []byte) string {
	h := sha256.New()
	io.WriteString(h, method)
	h.Write([]byte{'\n'})
	io.WriteString(h, normalizeEndpoint(endpoint))
	h.Write([]byte{'\n'})
	h.Write(canonicalJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

// Share executes fn once per fingerprint; concurrent callers with the same
// fingerprint receive the first caller's response. The second return is true
// for callers that shared.
func (d *Deduper) Share(ctx context.Context, fingerprint string, fn func() *ResponseEnvelope) (*ResponseEnvelope, bool, error) {
	ch := d.group.DoChan(fingerprint, func() (any, error) {
		return fn(), nil
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, false, result.Err
		}
		if result.Shared {
			d.mc.RecordDedupHit("inflight")
		}
		return result.Val.(*ResponseEnvelope), result.Shared, nil
	case <-ctx.Done():
		d.group.Forget(fingerprint)
		return nil, false, ctx.Err()
	}
}

// SweepTask returns a scheduler task dropping expired records.
func (d *Deduper) SweepTask() func(context.Context) error {
	return func(ctx context.Context) error {
		if removed := d.store.Sweep(ctx); removed > 0 {
			d.log.Debug("dedup store swept", zap.Int("removed", removed))
		}
		return nil
	}
}

// Close releases the backing store.
func (d *Deduper) Close() {
	d.store.Close()
}

// canonicalJSON re-encodes body with sorted object keys. Invalid JSON is
// hashed as-is.
func canonicalJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}
