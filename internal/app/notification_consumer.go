package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/pkg/rabbitmq"
)

// NotificationRoutingKeys are the events that produce a user notification.
var NotificationRoutingKeys = []string{
	domain.RoutingKeyExchangePurchased,
	domain.RoutingKeyExchangeLotteryWon,
	domain.RoutingKeyExchangeLotteryLost,
	domain.RoutingKeyPaymentCompleted,
	domain.RoutingKeyPaymentFailed,
	domain.RoutingKeyWithdrawalReviewed,
}

const notificationStoreTimeout = 10 * time.Second

// NotificationConsumer stores notification events delivered from the broker.
type NotificationConsumer struct {
	sink NotificationSink
}

func NewNotificationConsumer(sink NotificationSink) *NotificationConsumer {
	return &NotificationConsumer{sink: sink}
}

// Subscription binds queue to every notification routing key on exchange.
func (c *NotificationConsumer) Subscription(exchange, queue string) rabbitmq.Subscription {
	return rabbitmq.Subscription{
		Exchange:       exchange,
		Queue:          queue,
		RoutingKeys:    NotificationRoutingKeys,
		HandlerTimeout: notificationStoreTimeout,
	}
}

// Handle stores one event as the user's notification. Events the service can
// never store are dropped; storage failures are requeued.
func (c *NotificationConsumer) Handle(ctx context.Context, routingKey string, event domain.NotificationEvent) rabbitmq.Outcome {
	if strings.TrimSpace(event.UserID) == "" || event.ID == uuid.Nil {
		log.Printf("level=warn component=notification_consumer msg=\"dropping event without user or id\" routing_key=%s", routingKey)
		return rabbitmq.Drop
	}
	if event.Type == "" {
		event.Type = routingKey
	}

	// Inserts are keyed by event id so redeliveries do not duplicate.
	if err := c.sink.InsertNotification(ctx, notificationFromEvent(event)); err != nil {
		log.Printf("level=error component=notification_consumer msg=\"store notification failed\" event_id=%s err=%v", event.ID, err)
		return rabbitmq.Requeue
	}
	return rabbitmq.Ack
}
