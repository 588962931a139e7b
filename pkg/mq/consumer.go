package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"inviteflow/pkg/metrics"
	"inviteflow/pkg/otel"
	"inviteflow/pkg/trace"
	"inviteflow/pkg/util"
)

// MessageHandler processes one message body. Returning a retryable error
// requeues the message, any other error dead-letters it.
type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	logger     *zap.Logger
}

// NewConsumer declares queueName bound to routingKey plus its dead letter queue.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := DeclareExchange(ch); err != nil {
		return fail(fmt.Errorf("failed to declare exchange: %w", err))
	}
	if err := DeclareDLQExchange(ch); err != nil {
		return fail(fmt.Errorf("failed to declare DLQ exchange: %w", err))
	}
	if _, err := DeclareDLQQueue(ch, queueName, routingKey); err != nil {
		return fail(err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}
	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue: %w", err))
	}
	if err := ch.Qos(8, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set qos: %w", err))
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is done or the delivery channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("consumer handler not set")
	}

	deliveries, err := c.channel.ConsumeWithContext(ctx, c.queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	d := &dispatch{
		queue:      c.queue.Name,
		routingKey: c.routingKey,
		handler:    c.handler,
		deadLetter: c.deadLetter,
		logger:     c.logger,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			d.handle(ctx, msg.Body, msg.Headers, &msg)
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, body []byte, headers amqp091.Table, cause error) error {
	return c.channel.PublishWithContext(ctx, DLQExchangeName, c.routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Headers:      dlqHeaders(headers, cause.Error(), c.queue.Name),
	})
}

// acknowledger is the settle surface of amqp091.Delivery.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// dispatch runs a handler for one delivery and settles it exactly once.
type dispatch struct {
	queue      string
	routingKey string
	handler    MessageHandler
	deadLetter func(ctx context.Context, body []byte, headers amqp091.Table, cause error) error
	logger     *zap.Logger
}

func (d *dispatch) handle(ctx context.Context, body []byte, headers amqp091.Table, ack acknowledger) {
	start := time.Now()
	if traceID, ok := headers[trace.HeaderName].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	} else {
		ctx = trace.Ensure(ctx)
	}
	log := d.logger.With(zap.String("routing_key", d.routingKey), zap.String("queue", d.queue), zap.String("trace_id", trace.FromContext(ctx)))

	ctx, span := otel.ConsumeSpan(otel.ExtractHeaders(ctx, headers), d.queue, d.routingKey)
	defer span.End()

	defer func() { metrics.RecordMQConsumeLatency(d.routingKey, d.queue, time.Since(start)) }()

	err := d.run(ctx, body)
	if err == nil {
		d.settle(log, "ack", ack.Ack(false))
		return
	}

	span.RecordError(err)
	retryable, errType := util.IsRetryableError(err)
	if retryable {
		log.Warn("Handler failed, requeueing", zap.String("error_type", errType), zap.Error(err))
		d.settle(log, "requeue", ack.Nack(false, true))
		return
	}

	log.Error("Handler failed permanently, dead-lettering", zap.String("error_type", errType), zap.Error(err))
	if dlqErr := d.deadLetter(ctx, body, headers, err); dlqErr != nil {
		log.Error("Failed to publish to DLQ, requeueing", zap.Error(dlqErr))
		d.settle(log, "requeue", ack.Nack(false, true))
		return
	}
	d.settle(log, "dlq", ack.Ack(false))
}

// run calls the handler and converts a panic into a permanent error.
func (d *dispatch) run(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return d.handler(ctx, body)
}

func (d *dispatch) settle(log *zap.Logger, outcome string, err error) {
	metrics.IncrementMQMessage(d.routingKey, outcome)
	if err != nil {
		log.Error("Failed to settle message", zap.String("outcome", outcome), zap.Error(err))
	}
}
