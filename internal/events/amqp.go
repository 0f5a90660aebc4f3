package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpExchange is the single durable fanout exchange every JobEvent is
// published to; multiple consumers may observe the same events.
const amqpExchange = "mailgate.events"

// AmqpSink publishes JobEvents to a durable fanout exchange.
type AmqpSink struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAmqpSink dials url, declares the fanout exchange, and returns a
// ready Sink.
func NewAmqpSink(url string) (*AmqpSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(amqpExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AmqpSink{conn: conn, ch: ch}, nil
}

func (s *AmqpSink) Publish(ctx context.Context, event JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.ch.PublishWithContext(cctx, amqpExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (s *AmqpSink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
