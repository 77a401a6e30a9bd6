package broker

import (
	"context"
	"errors"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
)

// ErrRequeue signals that a delivery should go back on the queue. Handlers
// wrap it when the failure is transient and reprocessing is safe.
var ErrRequeue = errors.New("requeue delivery")

// DeliveryHandler processes one delivery. nil acks the message; an error
// wrapping ErrRequeue nacks with requeue; any other error nacks without
// requeue. Handlers that publish a reply or manage their own retry must do so
// before returning nil.
type DeliveryHandler func(ctx context.Context, d amqp091.Delivery) error

type consumerSpec struct {
	queue    string
	prefetch int
	handler  DeliveryHandler
}

// Consume starts a supervised consumer on queue. The consumer survives
// connection loss and resumes once the client reconnects; it stops when ctx
// is cancelled or the client closes.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, handler DeliveryHandler) error {
	if queue == "" {
		return errs.Validation("consume queue is required")
	}
	if handler == nil {
		return errs.Validation("consume handler is required")
	}
	if c.isClosed() {
		return errs.Broker("broker client closed")
	}
	if prefetch <= 0 {
		prefetch = c.cfg.Prefetch
	}
	go c.runConsumer(ctx, consumerSpec{queue: queue, prefetch: prefetch, handler: handler})
	return nil
}

func (c *Client) runConsumer(ctx context.Context, spec consumerSpec) {
	c.consumers.Add(1)
	defer c.consumers.Add(-1)

	log := c.log.With(zap.String("queue", spec.queue))
	wait := time.Second
	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		ch, deliveries, err := c.openConsumer(ctx, spec)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			log.Warn("consumer setup failed, retrying", zap.Error(err), zap.Duration("wait", wait))
			if !sleepOrDone(ctx, wait) {
				return
			}
			wait *= 2
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			continue
		}

		wait = time.Second
		c.deliveryLoop(ctx, spec, deliveries)
		ch.Close()
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		log.Warn("deliveries closed, resuming consumer")
	}
}

func (c *Client) openConsumer(ctx context.Context, spec consumerSpec) (*amqp091.Channel, <-chan amqp091.Delivery, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.KindBroker, "consumer channel failed")
	}
	if err := ch.Qos(spec.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, errs.Wrap(err, errs.KindBroker, "qos failed")
	}
	deliveries, err := ch.Consume(spec.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, errs.Wrap(err, errs.KindBroker, "consume %q failed", spec.queue)
	}
	return ch, deliveries, nil
}

func (c *Client) deliveryLoop(ctx context.Context, spec consumerSpec, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := spec.handler(ctx, d); err != nil {
				requeue := errors.Is(err, ErrRequeue)
				d.Nack(false, requeue)
				if requeue {
					c.mc.RecordDelivery(spec.queue, "requeue")
				} else {
					c.mc.RecordDelivery(spec.queue, "nack")
				}
				c.log.Warn("delivery rejected",
					zap.String("queue", spec.queue),
					zap.String("routing_key", d.RoutingKey),
					zap.Bool("requeue", requeue),
					zap.Error(err))
				continue
			}
			d.Ack(false)
			c.mc.RecordDelivery(spec.queue, "ack")
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
