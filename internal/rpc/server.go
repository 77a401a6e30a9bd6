package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/broker"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

// Broker topology shared by every service speaking this protocol.
const (
	ExchangeRequests  = "service_requests"
	ExchangeResponses = "service_responses"
)

// RequestQueue returns the request queue name for a service.
func RequestQueue(service string) string {
	return service + "_service_requests"
}

// RequestKey returns the routing key requests for a service travel on.
func RequestKey(service string) string {
	return service + ".requests"
}

// ResponseKey returns the routing key a service's responses travel on.
func ResponseKey(service string) string {
	return service + ".responses"
}

// ServerConfig tunes one service's request consumer.
type ServerConfig struct {
	// Service names the request queue and routing key.
	Service string
	// ReplyKey is the routing key responses are published on when the
	// request carries no reply_to. Defaults to the fleet convention:
	// everything answers to core.
	ReplyKey string
	// Prefetch bounds unacked deliveries per consumer.
	Prefetch int
	// DefaultTimeout bounds each handler; per-endpoint overrides win.
	DefaultTimeout time.Duration
}

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.ReplyKey == "" {
		cfg.ReplyKey = "core.responses"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 25 * time.Second
	}
	return cfg
}

// Server consumes a service's request queue and answers on the response
// exchange. Acknowledgement happens only after the response is published, so
// a crash between the two leaves the request to be redelivered and replayed
// from the dedup store.
type Server struct {
	cfg    ServerConfig
	client *broker.Client
	router *Router
	dedup  *Deduper
	log    *zap.Logger
	mc     *metrics.Collector
}

func NewServer(cfg ServerConfig, client *broker.Client, router *Router, dedup *Deduper, log *zap.Logger, mc *metrics.Collector) *Server {
	if log == nil {
		log = logging.Global()
	}
	return &Server{
		cfg:    cfg.withDefaults(),
		client: client,
		router: router,
		dedup:  dedup,
		log:    log.With(zap.String("service", cfg.Service)),
		mc:     mc,
	}
}

// Start declares the request topology and begins consuming. It returns once
// the consumer is supervised; handling continues until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Service == "" {
		return errs.Validation("rpc server needs a service name")
	}

	for _, ex := range []broker.ExchangeSpec{
		{Name: ExchangeRequests, Kind: "direct", Durable: true},
		{Name: ExchangeResponses, Kind: "direct", Durable: true},
	} {
		if err := s.client.DeclareExchange(ctx, ex); err != nil {
			return err
		}
	}

	queue := RequestQueue(s.cfg.Service)
	if err := s.client.DeclareQueue(ctx, broker.QueueSpec{Name: queue, Durable: true}); err != nil {
		return err
	}
	if err := s.client.Bind(ctx, queue, RequestKey(s.cfg.Service), ExchangeRequests); err != nil {
		return err
	}

	if err := s.client.Consume(ctx, queue, s.cfg.Prefetch, s.handle); err != nil {
		return err
	}
	s.log.Info("rpc server consuming",
		zap.String("queue", queue),
		zap.Strings("endpoints", s.router.Prefixes()))
	return nil
}

// handle processes one delivery end to end. Returning nil acks; wrapping
// broker.ErrRequeue puts the request back for another attempt.
func (s *Server) handle(ctx context.Context, d amqp091.Delivery) error {
	var req RequestEnvelope
	if err := json.Unmarshal(d.Body, &req); err != nil {
		// No correlation id to answer on; drop it.
		s.log.Warn("unparseable request dropped", zap.Error(err))
		return nil
	}
	req.CorrelationID = EnsureCorrelation(req.CorrelationID)
	replyKey := req.ReplyTo
	if replyKey == "" {
		replyKey = s.cfg.ReplyKey
	}

	ctx = WithCorrelation(ctx, req.CorrelationID)
	ctx = WithRequestID(ctx, uuid.New().String())

	if resp, seen := s.dedup.Replay(ctx, req.CorrelationID); seen {
		s.log.Debug("duplicate request replayed",
			zap.String("correlation_id", req.CorrelationID),
			zap.String("endpoint", req.Endpoint))
		if resp == nil {
			return nil
		}
		return s.respond(ctx, replyKey, resp)
	}

	fingerprint := s.dedup.Fingerprint(req.Method, req.Endpoint, req.Payload())
	resp, shared, err := s.dedup.Share(ctx, fingerprint, func() *ResponseEnvelope {
		return s.dispatch(ctx, &req)
	})
	if err != nil {
		// Context cancelled while waiting on a shared execution; the request
		// is safe to redeliver.
		return errs.Wrap(broker.ErrRequeue, errs.KindBroker, "request %s interrupted: %v", req.CorrelationID, err)
	}
	if shared {
		// The shared response carries the first caller's correlation id;
		// answer with this request's own.
		copied := *resp
		copied.CorrelationID = req.CorrelationID
		resp = &copied
	}

	s.dedup.Record(ctx, req.CorrelationID, resp)
	return s.respond(ctx, replyKey, resp)
}

// dispatch routes and runs the handler, converting every outcome into a
// response envelope.
func (s *Server) dispatch(ctx context.Context, req *RequestEnvelope) *ResponseEnvelope {
	start := time.Now()

	handler, prefix, rest, timeout, ok := s.router.Route(req.Endpoint)
	if !ok {
		s.mc.RecordRequest("unmatched", "error", time.Since(start))
		s.log.Warn("no handler for endpoint",
			zap.String("endpoint", req.Endpoint),
			zap.String("correlation_id", req.CorrelationID))
		return Failure(req.CorrelationID, errs.NotFound("no handler for endpoint %s", req.Endpoint))
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	request := &Request{
		Method:    req.Method,
		Endpoint:  normalizeEndpoint(req.Endpoint),
		Rest:      rest,
		Data:      req.Payload(),
		Principal: req.UserContext.Principal(),
		Envelope:  req,
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.invoke(hctx, handler, request, timeout)
	if err != nil {
		kind := errs.KindOf(err)
		s.mc.RecordRequest(prefix, string(kind), time.Since(start))
		s.log.Warn("request failed",
			zap.String("endpoint", req.Endpoint),
			zap.String("correlation_id", req.CorrelationID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return Failure(req.CorrelationID, err)
	}

	s.mc.RecordRequest(prefix, "success", time.Since(start))
	return Success(req.CorrelationID, result)
}

// invoke runs the handler in its own goroutine so a stuck handler cannot
// delay the timeout response. The goroutine finishes into a buffered channel
// either way.
func (s *Server) invoke(ctx context.Context, handler Handler, req *Request, timeout time.Duration) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panic",
					zap.String("endpoint", req.Endpoint),
					zap.String("correlation_id", CorrelationFromContext(ctx)),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- outcome{err: errs.Internal("internal error")}
			}
		}()
		result, err := handler(ctx, req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errs.Timeout("request exceeded %s", timeout)
		}
		return nil, errs.Wrap(ctx.Err(), errs.KindTimeout, "request cancelled")
	}
}

// respond publishes the response envelope. Failure to publish requeues the
// request: the recorded dedup entry turns the retry into a replay.
func (s *Server) respond(ctx context.Context, replyKey string, resp *ResponseEnvelope) error {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("response not encodable", zap.String("correlation_id", resp.CorrelationID), zap.Error(err))
		return nil
	}
	msg := amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: resp.CorrelationID,
		Headers:       amqp091.Table{"x-correlation-id": resp.CorrelationID},
		Body:          body,
	}
	if err := s.client.PublishMsg(ctx, ExchangeResponses, replyKey, msg); err != nil {
		s.log.Error("response publish failed",
			zap.String("correlation_id", resp.CorrelationID),
			zap.Error(err))
		return fmt.Errorf("response for %s not published: %w", resp.CorrelationID, broker.ErrRequeue)
	}
	return nil
}
