package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes events to a durable topic exchange, routed by event
// type. The connection is re-dialled lazily after a broker restart.
type AMQPSink struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	s := &AMQPSink{url: url, exchange: exchange}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", s.exchange, err)
	}
	s.conn = conn
	s.channel = ch
	return nil
}

func (s *AMQPSink) ensureConnection() error {
	if s.conn != nil && !s.conn.IsClosed() && s.channel != nil && !s.channel.IsClosed() {
		return nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	log.Printf("events: reconnecting to amqp exchange=%s", s.exchange)
	return s.connect()
}

func (s *AMQPSink) Deliver(ctx context.Context, ev Event) error {
	msg, err := publishing(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureConnection(); err != nil {
		return err
	}
	return s.channel.PublishWithContext(ctx, s.exchange, string(ev.Type), false, false, msg)
}

func publishing(ev Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Timestamp,
		Type:         string(ev.Type),
		Headers:      amqp.Table{"dedup_key": ev.DedupKey()},
		Body:         body,
	}, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.Printf("events: failed to close amqp channel: %v", err)
		}
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
