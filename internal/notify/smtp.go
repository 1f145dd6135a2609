package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTP delivers plain-text mail through a single relay.
type SMTP struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTP(host string, port int, username, password, from string) *SMTP {
	return &SMTP{dialer: gomail.NewDialer(host, port, username, password), from: from}
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) Send(ctx context.Context, msg Message) (string, error) {
	subject, body, err := Render(msg)
	if err != nil {
		return "", err
	}
	id := "<" + uuid.NewString() + "@tableflow>"

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/plain", body)

	// gomail has no context support; the dial runs on its own goroutine and is
	// abandoned when ctx expires.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "smtp send")
	case err := <-done:
		if err != nil {
			return "", errors.Wrap(err, "smtp send")
		}
		return id, nil
	}
}
