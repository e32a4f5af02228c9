package ingest

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/observability"
)

type AMQPOptions struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

// AMQPSource consumes ride requests from a durable queue bound to a topic
// exchange. Handled messages are acked; failed ones are nacked without
// requeue so the broker can dead-letter them.
type AMQPSource struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   zerolog.Logger
}

func DialAMQP(opts AMQPOptions, log zerolog.Logger) (*AMQPSource, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := declare(ch, opts); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPSource{conn: conn, ch: ch, queue: opts.Queue, log: log.With().Str("queue", opts.Queue).Logger()}, nil
}

func declare(ch *amqp.Channel, opts AMQPOptions) error {
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", opts.Queue, err)
	}
	if err := ch.QueueBind(opts.Queue, opts.RoutingKey, opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", opts.Queue, err)
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	return ch.Qos(prefetch, 0, false)
}

func (a *AMQPSource) Run(ctx context.Context, h Handler) error {
	deliveries, err := a.ch.Consume(a.queue, "ride-dispatch", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			a.handle(ctx, d, h)
		}
	}
}

func (a *AMQPSource) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	if err := h(ctx, Message{Source: "amqp", Key: d.RoutingKey, Body: d.Body}); err != nil {
		observability.TriggersConsumed.WithLabelValues("amqp", "failed").Inc()
		a.log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("ride request failed")
		if nerr := d.Nack(false, false); nerr != nil {
			a.log.Warn().Err(nerr).Msg("nack failed")
		}
		return
	}
	observability.TriggersConsumed.WithLabelValues("amqp", "ok").Inc()
	if err := d.Ack(false); err != nil {
		a.log.Warn().Err(err).Msg("ack failed")
	}
}

func (a *AMQPSource) Close() error {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
