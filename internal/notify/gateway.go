// Package notify decides which notifications a lifecycle event produces and
// delivers them out of band, recording the outcome of every attempt.
package notify

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tableflow/internal/config"
	"tableflow/internal/domain"
)

var (
	// ErrGateway marks delivery failures reported by a gateway.
	ErrGateway = errors.New("gateway error")
	// ErrConfigurationInvalid is returned when the gateway settings cannot work.
	ErrConfigurationInvalid = errors.New("notification gateway configuration invalid")
)

type Message struct {
	Kind      domain.NotificationType
	Recipient string
	Data      map[string]any
}

// Gateway delivers a single message. Implementations must honour ctx.
type Gateway interface {
	Name() string
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// NewGateway builds the configured gateway. A nil gateway with a nil error means
// notifications are switched off on purpose.
func NewGateway(cfg config.Notify) (Gateway, error) {
	switch strings.ToLower(cfg.Gateway) {
	case "", "none", "disabled":
		return nil, nil
	case "log":
		return LogGateway{}, nil
	case "smtp":
		if cfg.SMTPHost == "" || cfg.SMTPFrom == "" {
			return nil, errors.Wrap(ErrConfigurationInvalid, "smtp gateway needs NOTIFY_SMTP_HOST and NOTIFY_SMTP_FROM")
		}
		if cfg.SMTPPort <= 0 {
			return nil, errors.Wrapf(ErrConfigurationInvalid, "invalid smtp port %d", cfg.SMTPPort)
		}
		return NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom), nil
	case "webhook":
		u, err := url.Parse(cfg.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errors.Wrapf(ErrConfigurationInvalid, "invalid webhook url %q", cfg.WebhookURL)
		}
		return NewWebhook(cfg.WebhookURL, cfg.WebhookToken), nil
	}
	return nil, errors.Wrapf(ErrConfigurationInvalid, "unknown gateway %q", cfg.Gateway)
}

// LogGateway renders messages and writes them to the log instead of delivering them.
type LogGateway struct{}

func (LogGateway) Name() string { return "log" }

func (LogGateway) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	subject, body, err := Render(msg)
	if err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	log.Info().
		Str("message_id", id).
		Str("kind", string(msg.Kind)).
		Str("to", msg.Recipient).
		Str("subject", subject).
		Msg(body)
	return id, nil
}
