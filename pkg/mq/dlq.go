package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(DLQExchangeName, "topic", true, false, false, false, nil)
}

// DLQName is the dead letter queue for queueName.
func DLQName(queueName string) string {
	return queueName + ".dlq"
}

// DeclareDLQQueue declares and binds the dead letter queue for a consumer queue.
func DeclareDLQQueue(ch *amqp091.Channel, queueName, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(DLQName(queueName), true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}

	return q, nil
}

func dlqHeaders(headers amqp091.Table, originalError, failedAt string) amqp091.Table {
	out := amqp091.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out["x-original-error"] = originalError
	out["x-failed-at"] = failedAt
	return out
}
