package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
)

// BalanceObserver is told about balance changes after they are committed.
type BalanceObserver interface {
	BalancesChanged(ctx context.Context, changes []domain.BalanceChange)
}

// UserNotifier delivers a user-facing message after a committed state change.
type UserNotifier interface {
	Notify(ctx context.Context, routingKey, userID, title, message string)
}

// EventPublisher is satisfied by rabbitmq.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// NotificationSink persists notifications directly.
type NotificationSink interface {
	InsertNotification(ctx context.Context, n *domain.Notification) error
}

const publishTimeout = 5 * time.Second

// EventNotifier publishes domain events to the events exchange. When publishing
// fails or no publisher is configured, user notifications are written straight to
// the sink so they are not lost.
type EventNotifier struct {
	publisher EventPublisher
	exchange  string
	sink      NotificationSink
	logger    *slog.Logger
	now       func() time.Time
}

func NewEventNotifier(publisher EventPublisher, exchange string, sink NotificationSink, logger *slog.Logger) *EventNotifier {
	return &EventNotifier{
		publisher: publisher,
		exchange:  exchange,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// BalancesChanged publishes a balance change event. Delivery is best effort.
func (n *EventNotifier) BalancesChanged(ctx context.Context, changes []domain.BalanceChange) {
	if n == nil || n.publisher == nil || len(changes) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := domain.BalanceChangedEvent{Changes: changes, OccurredAt: n.now().UTC()}
	if err := n.publisher.Publish(pubCtx, n.exchange, domain.RoutingKeyBalanceChanged, event); err != nil {
		n.logger.Warn("balance change publish failed", "error", err, "changes", len(changes))
	}
}

// Notify publishes a notification event for userID.
func (n *EventNotifier) Notify(ctx context.Context, routingKey, userID, title, message string) {
	if n == nil {
		return
	}
	event := domain.NotificationEvent{
		ID:         uuid.New(),
		UserID:     userID,
		Type:       routingKey,
		Title:      title,
		Message:    message,
		OccurredAt: n.now().UTC(),
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if n.publisher != nil {
		err := n.publisher.Publish(pubCtx, n.exchange, routingKey, event)
		if err == nil {
			return
		}
		n.logger.Warn("notification publish failed; storing directly", "error", err, "routing_key", routingKey, "user_id", userID)
	}
	if n.sink == nil {
		return
	}
	if err := n.sink.InsertNotification(pubCtx, notificationFromEvent(event)); err != nil {
		n.logger.Error("notification store failed", "error", err, "routing_key", routingKey, "user_id", userID)
	}
}

func notificationFromEvent(e domain.NotificationEvent) *domain.Notification {
	return &domain.Notification{
		ID:        e.ID,
		UserID:    e.UserID,
		Type:      e.Type,
		Title:     e.Title,
		Message:   e.Message,
		CreatedAt: e.OccurredAt,
	}
}
