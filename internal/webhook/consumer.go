package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"your.org/secretaria-backend/internal/config"
	ilog "your.org/secretaria-backend/internal/log"
)

// actionEnvelope is the wrapper expected on the action queue:
// { "action": "...", "data": {...} }
type actionEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Consumer binds the action queue and dispatches each delivery.  It is
// the asynchronous twin of the n8n webhook route: automations can
// either POST actions or queue them.
type Consumer struct {
	cfg        *config.Config
	dispatcher *Dispatcher
	conn       *amqp.Connection
	ch         *amqp.Channel
}

// NewConsumer builds a consumer; Start does the actual connection
// work.
func NewConsumer(cfg *config.Config, d *Dispatcher) *Consumer {
	return &Consumer{cfg: cfg, dispatcher: d}
}

// Start connects to the broker, declares the exchange/queue pair and
// consumes until ctx is cancelled.  With no AMQP URL configured it
// simply blocks until cancellation so the caller's wiring stays
// uniform.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cfg.AMQPURL == "" {
		ilog.Infof("AMQP URL is empty; skipping consumer startup")
		<-ctx.Done()
		return nil
	}
	conn, err := amqp.Dial(c.cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	c.conn = conn
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	c.ch = ch

	if err := ch.ExchangeDeclare(
		c.cfg.AMQPExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.AMQPQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, c.cfg.AMQPBinding, c.cfg.AMQPExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	ilog.Infof("AMQP action consumer bound: queue=%s binding=%s", q.Name, c.cfg.AMQPBinding)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			_ = conn.Close()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var env actionEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		ilog.Errorf("discarding malformed action message: %v", err)
		_ = d.Nack(false, false)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.dispatcher.Dispatch(opCtx, env.Action, env.Data); err != nil {
		ilog.Errorf("action %s failed: %v", env.Action, err)
		// Bad payloads will not improve with redelivery.
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
