package events

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/broker"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/rpc"
)

// PublisherConfig tunes the publishing side.
type PublisherConfig struct {
	// Service names the topic exchange events go out on.
	Service string
	// CompressMin is the body size in bytes at which payloads are gzipped.
	CompressMin int
}

func (cfg PublisherConfig) withDefaults() PublisherConfig {
	if cfg.CompressMin <= 0 {
		cfg.CompressMin = 16 * 1024
	}
	return cfg
}

// Publisher emits this service's domain events.
type Publisher struct {
	cfg    PublisherConfig
	client *broker.Client
	log    *zap.Logger
	mc     *metrics.Collector
}

func NewPublisher(cfg PublisherConfig, client *broker.Client, log *zap.Logger, mc *metrics.Collector) *Publisher {
	if log == nil {
		log = logging.Global()
	}
	return &Publisher{cfg: cfg.withDefaults(), client: client, log: log, mc: mc}
}

// Setup declares the service's topic exchange.
func (p *Publisher) Setup(ctx context.Context) error {
	if p.cfg.Service == "" {
		return errs.Validation("event publisher needs a service name")
	}
	return p.client.DeclareExchange(ctx, broker.ExchangeSpec{
		Name:    ExchangeFor(p.cfg.Service),
		Kind:    "topic",
		Durable: true,
	})
}

// Publish emits one event on the given routing key. The payload is wrapped
// in an Event envelope; large bodies ship gzipped.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	if routingKey == "" {
		return errs.Validation("event routing key is required")
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(err, errs.KindInternal, "event payload not encodable")
		}
		data = raw
	}

	evt := Event{
		ID:            uuid.New().String(),
		Type:          routingKey,
		Source:        p.cfg.Service,
		CorrelationID: rpc.CorrelationFromContext(ctx),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Data:          data,
	}
	body, err := json.Marshal(&evt)
	if err != nil {
		return errs.Wrap(err, errs.KindInternal, "event not encodable")
	}

	msg := amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   evt.ID,
		Headers:     amqp091.Table{},
		Body:        body,
	}
	if evt.CorrelationID != "" {
		msg.Headers["x-correlation-id"] = evt.CorrelationID
	}
	if len(body) >= p.cfg.CompressMin {
		compressed, err := gzipBytes(body)
		if err != nil {
			return errs.Wrap(err, errs.KindInternal, "event compression failed")
		}
		msg.Body = compressed
		msg.ContentEncoding = "gzip"
	}

	if err := p.client.PublishMsg(ctx, ExchangeFor(p.cfg.Service), routingKey, msg); err != nil {
		return err
	}
	p.mc.RecordEventPublished(evt.Domain())
	p.log.Debug("event published",
		zap.String("routing_key", routingKey),
		zap.String("event_id", evt.ID),
		zap.Int("bytes", len(msg.Body)))
	return nil
}

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
