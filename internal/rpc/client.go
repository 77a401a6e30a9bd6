package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/broker"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
)

// ClientConfig tunes the calling side.
type ClientConfig struct {
	// Service is this process's identity; its response queue and routing
	// key derive from it.
	Service string
	// Timeout bounds each call unless the context is tighter.
	Timeout time.Duration
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Service == "" {
		cfg.Service = "core"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	return cfg
}

// Client issues requests to other services over the broker and matches the
// responses coming back on this service's response queue.
type Client struct {
	cfg    ClientConfig
	client *broker.Client
	log    *zap.Logger

	mu      sync.Mutex
	pending map[string]chan *ResponseEnvelope
}

func NewClient(cfg ClientConfig, b *broker.Client, log *zap.Logger) *Client {
	if log == nil {
		log = logging.Global()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		client:  b,
		log:     log,
		pending: make(map[string]chan *ResponseEnvelope),
	}
}

// Start declares the response queue and begins consuming replies.
func (c *Client) Start(ctx context.Context) error {
	if err := c.client.DeclareExchange(ctx, broker.ExchangeSpec{Name: ExchangeResponses, Kind: "direct", Durable: true}); err != nil {
		return err
	}
	queue := c.cfg.Service + "_responses"
	if err := c.client.DeclareQueue(ctx, broker.QueueSpec{Name: queue, Durable: true}); err != nil {
		return err
	}
	if err := c.client.Bind(ctx, queue, ResponseKey(c.cfg.Service), ExchangeResponses); err != nil {
		return err
	}
	return c.client.Consume(ctx, queue, 0, c.handle)
}

func (c *Client) handle(ctx context.Context, d amqp091.Delivery) error {
	var resp ResponseEnvelope
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		c.log.Warn("unparseable response dropped", zap.Error(err))
		return nil
	}
	c.deliver(&resp)
	return nil
}

// deliver hands a response to its waiting caller. Responses nobody waits for
// (caller timed out, or a replay after the original arrived) are dropped.
func (c *Client) deliver(resp *ResponseEnvelope) {
	c.mu.Lock()
	ch, ok := c.pending[resp.CorrelationID]
	if ok {
		delete(c.pending, resp.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("late response dropped", zap.String("correlation_id", resp.CorrelationID))
		return
	}
	ch <- resp
}

func (c *Client) register(correlationID string) chan *ResponseEnvelope {
	ch := make(chan *ResponseEnvelope, 1)
	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// Call sends one request and waits for its response. Every call gets a fresh
// correlation id; the response envelope is returned even when it reports an
// error, so callers can inspect it. Invoke folds errors in.
func (c *Client) Call(ctx context.Context, service, method, endpoint string, data any, uc UserContext) (*ResponseEnvelope, error) {
	if service == "" {
		return nil, errs.Validation("call needs a target service")
	}

	var payload json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindInternal, "request payload not encodable")
		}
		payload = raw
	}

	correlationID := uuid.New().String()
	envelope := RequestEnvelope{
		CorrelationID: correlationID,
		Method:        strings.ToUpper(method),
		Endpoint:      normalizeEndpoint(endpoint),
		ReplyTo:       ResponseKey(c.cfg.Service),
		Data:          payload,
		UserContext:   uc,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(&envelope)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "request not encodable")
	}

	ch := c.register(correlationID)
	defer c.unregister(correlationID)

	msg := amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Headers:       amqp091.Table{"x-correlation-id": correlationID},
		Body:          body,
	}
	if err := c.client.PublishMsg(ctx, ExchangeRequests, RequestKey(service), msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, errs.Timeout("no response from %s for %s within %s", service, endpoint, c.cfg.Timeout)
	case <-ctx.Done():
		return nil, errs.Wrap(ctx.Err(), errs.KindTimeout, "call to %s cancelled", service)
	}
}

// Invoke calls and decodes the response data into out, converting error
// responses into typed errors.
func (c *Client) Invoke(ctx context.Context, service, method, endpoint string, data any, uc UserContext, out any) error {
	resp, err := c.Call(ctx, service, method, endpoint, data, uc)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
