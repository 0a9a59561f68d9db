package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/lock"
)

// Provider event types handled by the dispatcher.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
)

const webhookClaimTTL = 72 * time.Hour

// PaymentEvent is a verified provider webhook event.
type PaymentEvent struct {
	ID              string
	Type            string
	PaymentIntentID string
	Metadata        map[string]string
	FailureMessage  string
}

// WebhookDispatcher routes provider events to the payment service. Events
// are claimed by id so redeliveries are handled once; a claim is released
// when handling fails so the provider's retry gets another chance.
type WebhookDispatcher struct {
	payments *PostTrialPaymentService
	locker   lock.Locker
	logger   *slog.Logger
}

// NewWebhookDispatcher creates a dispatcher. A nil locker disables dedupe.
func NewWebhookDispatcher(payments *PostTrialPaymentService, locker lock.Locker, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		payments: payments,
		locker:   locker,
		logger:   logger.With("component", "payment_webhook"),
	}
}

// Dispatch handles one event. Unknown event types and intents that are not
// post-trial payments are acknowledged without action.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event PaymentEvent) error {
	if event.Type != EventPaymentIntentSucceeded && event.Type != EventPaymentIntentFailed {
		d.logger.DebugContext(ctx, "ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}
	if !IsPostTrialIntent(event.Metadata) {
		d.logger.DebugContext(ctx, "ignoring payment intent outside post-trial billing",
			"event_id", event.ID, "payment_intent_id", event.PaymentIntentID)
		return nil
	}

	if d.locker != nil && event.ID != "" {
		release, acquired, err := d.locker.TryAcquire(ctx, "billing:webhook:"+event.ID, webhookClaimTTL)
		if err != nil {
			return fmt.Errorf("claim webhook event %s: %w", event.ID, err)
		}
		if !acquired {
			d.logger.InfoContext(ctx, "webhook event already handled", "event_id", event.ID)
			return nil
		}
		if err := d.handle(ctx, event); err != nil {
			release()
			return err
		}
		return nil
	}
	return d.handle(ctx, event)
}

func (d *WebhookDispatcher) handle(ctx context.Context, event PaymentEvent) error {
	switch event.Type {
	case EventPaymentIntentSucceeded:
		return d.payments.HandlePostTrialPaymentSuccess(ctx, event.PaymentIntentID)
	default:
		meta, err := DecodeIntentMetadata(event.Metadata)
		if err != nil {
			return err
		}
		msg := event.FailureMessage
		if msg == "" {
			msg = "payment failed"
		}
		return d.payments.HandlePostTrialPaymentFailure(ctx, meta.SubscriptionID, meta.UserType, msg)
	}
}
