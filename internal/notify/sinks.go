package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// LogSink writes each event as a structured log line. It stands in for mail delivery.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (sink *LogSink) Name() string { return "log" }

func (sink *LogSink) Deliver(ctx context.Context, event booking.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("event", event.Key()),
		zap.Time("occurred_at", event.OccurredAt),
	}
	switch {
	case event.Reservation != nil:
		fields = append(fields,
			zap.String("recipient", event.Reservation.Email),
			zap.String("class", event.Reservation.ClassName),
			zap.Time("starts_at", event.Reservation.StartsAt),
			zap.Strings("resources", event.Reservation.Resources),
		)
	case event.Purchase != nil:
		fields = append(fields,
			zap.String("recipient", event.Purchase.Email),
			zap.Int64("credits", event.Purchase.Credits),
			zap.Time("expires_at", event.Purchase.ExpiresAt),
		)
	}
	sink.logger.Info("notification", fields...)
	return nil
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events as persistent JSON messages to a topic exchange, routed by event kind.
type AMQPSink struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// DialAMQP connects to url and declares the durable topic exchange.
func DialAMQP(url string, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		return nil, errors.New("notify: amqp exchange is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPSink{conn: conn, channel: channel, exchange: exchange}, nil
}

func (sink *AMQPSink) Name() string { return "amqp" }

func (sink *AMQPSink) Deliver(ctx context.Context, event booking.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return sink.channel.PublishWithContext(ctx, sink.exchange, string(event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.Key(),
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	})
}

// Close releases the channel and the connection.
func (sink *AMQPSink) Close() error {
	if sink.channel != nil {
		_ = sink.channel.Close()
	}
	if sink.conn != nil {
		return sink.conn.Close()
	}
	return nil
}
