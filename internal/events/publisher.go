package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andresmejia3/oculus/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
)

// StatusRoutingKey is the routing key session statuses are published under.
const StatusRoutingKey = "detection.status"

// publishChannel is the part of *amqp.Channel the publisher needs.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// StatusPublisher announces finished sessions on a topic exchange.
type StatusPublisher struct {
	channel    publishChannel
	exchange   string
	routingKey string
}

// NewStatusPublisher opens a channel on conn and declares exchange.
func NewStatusPublisher(conn *amqp.Connection, exchange string) (*StatusPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &StatusPublisher{channel: ch, exchange: exchange, routingKey: StatusRoutingKey}, nil
}

func (sp *StatusPublisher) PublishStatus(ctx context.Context, msg types.SessionStatusMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return sp.channel.PublishWithContext(ctx,
		sp.exchange,
		sp.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    msg.SessionID,
			Headers: amqp.Table{
				"x-detect-status": msg.Status,
			},
		},
	)
}

func (sp *StatusPublisher) Close() error {
	return sp.channel.Close()
}
