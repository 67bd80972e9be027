package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer publishes events to a RabbitMQ topic exchange.
type EventProducer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// LocalPublisher is the publisher used in local queue mode: events are
// logged instead of sent to a broker. Payloads are not logged.
type LocalPublisher struct{}

func (p *LocalPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("[queue=local] event exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *LocalPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer connects to RabbitMQ and opens a channel. The dial is
// bounded so startup cannot hang on an unreachable broker.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a durable topic exchange with the given
// routing key. On a channel-level failure it reopens the channel and
// retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.declareExchange(exchange); err != nil {
		return err
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		log.Printf("Failed to publish to exchange %s: %v; reopening channel", exchange, err)
		if err := p.reopenChannel(exchange); err != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	}
	return nil
}

func (p *EventProducer) declareExchange(exchange string) error {
	err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err == nil {
		return nil
	}
	log.Printf("Failed to declare exchange %s: %v; reopening channel", exchange, err)
	return p.reopenChannel(exchange)
}

func (p *EventProducer) reopenChannel(exchange string) error {
	if p.conn == nil {
		return errors.New("no amqp connection")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Close closes the RabbitMQ connection and channel.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LazyPublisher dials RabbitMQ on first use and rebuilds the connection
// after a publish failure. Paired with the outbox dispatcher this lets the
// service start while the broker is down: publishes fail, the outbox
// retries, and events flow once the broker returns.
type LazyPublisher struct {
	url string

	mu       sync.Mutex
	producer *EventProducer
}

func NewLazyPublisher(amqpURL string) *LazyPublisher {
	return &LazyPublisher{url: amqpURL}
}

func (p *LazyPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.producer == nil {
		producer, err := NewEventProducer(p.url)
		if err != nil {
			return err
		}
		p.producer = producer
	}

	if err := p.producer.Publish(ctx, exchange, routingKey, body); err != nil {
		p.producer.Close()
		p.producer = nil
		return err
	}
	return nil
}

func (p *LazyPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		p.producer.Close()
		p.producer = nil
	}
}

// MaskURL hides credentials in an AMQP URL for logging.
func MaskURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}
