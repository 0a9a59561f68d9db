package app

import (
	"context"
	"errors"

	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	notificationsApp "github.com/felixgeelhaar/lingomarket/internal/notifications/application"
	"github.com/google/uuid"
)

// billingNotifier delivers billing notifications through the notification service.
type billingNotifier struct {
	notifications *notificationsApp.Service
}

var _ billingApp.Notifier = (*billingNotifier)(nil)

func (n *billingNotifier) Send(ctx context.Context, userID uuid.UUID, msg billingApp.Notification) error {
	return n.notifications.Deliver(ctx, notificationsApp.Message{
		UserID:   userID,
		Type:     string(msg.Type),
		Title:    msg.Title,
		Body:     msg.Message,
		Metadata: msg.Metadata,
	})
}

// accountDirectory resolves email recipients from billing accounts. Billing
// notifications carry the owner type in their metadata.
type accountDirectory struct {
	accounts billingDomain.AccountRepository
}

var _ notificationsApp.RecipientDirectory = (*accountDirectory)(nil)

func (d *accountDirectory) Lookup(ctx context.Context, userID uuid.UUID, metadata map[string]string) (notificationsApp.Recipient, bool, error) {
	ownerType, err := billingDomain.ParseOwnerType(metadata["owner_type"])
	if err != nil {
		return notificationsApp.Recipient{}, false, nil
	}
	account, err := d.accounts.FindByOwner(ctx, ownerType, userID)
	if errors.Is(err, billingDomain.ErrAccountNotFound) {
		return notificationsApp.Recipient{}, false, nil
	}
	if err != nil {
		return notificationsApp.Recipient{}, false, err
	}
	return notificationsApp.Recipient{Email: account.Email, Name: account.Name}, true, nil
}
