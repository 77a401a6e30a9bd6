// Package rpc carries request/response traffic between services over the
// broker. A service runs one Server consuming its request queue; calls to
// other services go through a Client that matches responses by correlation
// id. Duplicate suppression, endpoint routing, and the error envelope all
// live here.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/samfms/core/internal/auth"
	"github.com/samfms/core/internal/errs"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// UserContext rides along with every request so the receiving service can
// authorize without re-verifying the token. Data carries the request body for
// callers that tuck it in here instead of the envelope's data field.
type UserContext struct {
	UserID      string            `json:"user_id"`
	Email       string            `json:"email,omitempty"`
	Role        string            `json:"role"`
	Permissions []auth.Permission `json:"permissions,omitempty"`
	OrgID       string            `json:"org_id,omitempty"`
	FleetIDs    []string          `json:"fleet_ids,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
}

// Principal converts the wire context back into a principal.
func (uc UserContext) Principal() auth.Principal {
	return auth.Principal{
		UserID:      uc.UserID,
		Email:       uc.Email,
		Role:        uc.Role,
		Permissions: uc.Permissions,
		OrgID:       uc.OrgID,
		FleetIDs:    uc.FleetIDs,
	}
}

// ContextFor builds the wire context for a principal.
func ContextFor(p auth.Principal) UserContext {
	return UserContext{
		UserID:      p.UserID,
		Email:       p.Email,
		Role:        p.Role,
		Permissions: p.Permissions,
		OrgID:       p.OrgID,
		FleetIDs:    p.FleetIDs,
	}
}

// RequestEnvelope is the broker wire format for a request.
type RequestEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Method        string `json:"method"`
	Endpoint      string `json:"endpoint"`
	// ReplyTo overrides the responder's default reply routing key so
	// services other than core can issue calls. Empty keeps the fleet
	// convention.
	ReplyTo     string          `json:"reply_to,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	UserContext UserContext     `json:"user_context"`
	Timestamp   string          `json:"timestamp"`
}

// Payload returns the request body: the envelope's data field, or the copy
// inside user_context that some callers use.
func (e *RequestEnvelope) Payload() json.RawMessage {
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.UserContext.Data
}

// ErrorBody is the wire error inside an error response.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ResponseEnvelope is the broker wire format for a response.
type ResponseEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *ErrorBody      `json:"error,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// Err converts an error response back into a typed error. Success responses
// yield nil.
func (e *ResponseEnvelope) Err() error {
	if e.Status != StatusError || e.Error == nil {
		return nil
	}
	return errs.New(errs.Kind(e.Error.Type), "%s", e.Error.Message).WithCorrelation(e.CorrelationID)
}

// Decode unmarshals the response data into out.
func (e *ResponseEnvelope) Decode(out any) error {
	if err := e.Err(); err != nil {
		return err
	}
	if out == nil || len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return errs.Wrap(err, errs.KindUpstream, "malformed response payload")
	}
	return nil
}

// Success wraps a handler result. A result that cannot be marshalled is a
// programming error reported as Internal.
func Success(correlationID string, result any) *ResponseEnvelope {
	resp := &ResponseEnvelope{
		CorrelationID: correlationID,
		Status:        StatusSuccess,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if result == nil {
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Failure(correlationID, errs.Internal("response encoding failed"))
	}
	resp.Data = data
	return resp
}

// Failure wraps an error into an error response. The wire type is the stable
// error kind, so peers can switch on it.
func Failure(correlationID string, err error) *ResponseEnvelope {
	kind := errs.KindOf(err)
	message := err.Error()
	if e, ok := errs.AsError(err); ok {
		message = e.Message
	}
	return &ResponseEnvelope{
		CorrelationID: correlationID,
		Status:        StatusError,
		Error:         &ErrorBody{Type: string(kind), Message: message},
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type correlationKey struct{}
type requestIDKey struct{}

// WithCorrelation tags the context with a correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFromContext returns the correlation id, or "".
func CorrelationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithRequestID tags the context with a per-attempt request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// EnsureCorrelation reuses id when present, otherwise mints a new one.
func EnsureCorrelation(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}
