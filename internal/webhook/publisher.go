package webhook

import (
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	ilog "your.org/secretaria-backend/internal/log"
	"your.org/secretaria-backend/internal/store"
)

// Publisher republishes persisted webhook events to RabbitMQ so
// downstream automations consume them asynchronously.  It maintains a
// single shared connection/channel and declares the destination
// exchange on first use.
type Publisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher builds a publisher.  An empty url disables publishing;
// every Publish becomes a no-op.
func NewPublisher(url, exchange string) *Publisher {
	return &Publisher{url: url, exchange: exchange}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.url != ""
}

func (p *Publisher) ensure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil {
		return nil
	}
	// (Re)connect
	if p.conn != nil {
		_ = p.conn.Close()
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.ch = ch
	ilog.Infof("AMQP webhook publisher connected: exchange=%s", p.exchange)
	return nil
}

// Publish sends the event to the exchange with routing key
// "webhook.<type>".  Disabled publishers drop the event silently; the
// store already holds the durable copy.
func (p *Publisher) Publish(ev *store.WebhookEvent) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.ensure(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	rk := "webhook." + ev.Type
	if err := p.ch.Publish(p.exchange, rk, false, false, pub); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	ilog.Debugf("amqp webhook published rk=%s bytes=%d", rk, len(body))
	return nil
}

// Close releases the broker connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
