// Package email delivers notification emails.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixgeelhaar/lingomarket/internal/notifications/application"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	defaultHost = "https://api.sendgrid.com"
	endpoint    = "/v3/mail/send"
)

// SendGridConfig configures the SendGrid sender.
type SendGridConfig struct {
	APIKey    string
	FromName  string
	FromEmail string
	// Host overrides the API host. Empty means api.sendgrid.com.
	Host string
}

// SendGridSender sends plain text emails through the SendGrid v3 API.
type SendGridSender struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
	logger     *slog.Logger
}

var _ application.EmailSender = (*SendGridSender)(nil)

// NewSendGridSender creates a sender.
func NewSendGridSender(cfg SendGridConfig, logger *slog.Logger) (*SendGridSender, error) {
	if cfg.APIKey == "" || cfg.FromEmail == "" {
		return nil, errors.New("sendgrid api key and from address are required")
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridSender{
		key:        cfg.APIKey,
		host:       cfg.Host,
		from:       sgmail.NewEmail(cfg.FromName, cfg.FromEmail),
		subjPrefix: "[" + cfg.FromName + "] ",
		logger:     logger.With("component", "sendgrid"),
	}, nil
}

// Send delivers one email.
func (s *SendGridSender) Send(ctx context.Context, msg application.Email) error {
	if msg.To == "" {
		return errors.New("email recipient is required")
	}

	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail(msg.ToName, msg.To))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.Text))
	for k, v := range msg.Categories {
		m.AddCategories(k + ":" + v)
	}

	req := sendgrid.GetRequest(s.key, endpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m)

	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid responded %d: %s", res.StatusCode, res.Body)
	}
	s.logger.DebugContext(ctx, "email sent", "status", res.StatusCode, "subject", msg.Subject)
	return nil
}
