package notify

import (
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"

	"tableflow/internal/domain"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(kind domain.NotificationType, subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New(string(kind) + "_subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(string(kind) + "_body").Option("missingkey=zero").Parse(body)),
	}
}

var templates = map[domain.NotificationType]messageTemplate{
	domain.NotificationConfirmation: mustTemplate(domain.NotificationConfirmation,
		`Your table at {{.Restaurant}} is confirmed`,
		`Hello {{.Name}},

your reservation for {{.PartySize}} on {{.DateTime}} is confirmed.
Reference: {{.ReservationID}}

See you soon,
{{.Restaurant}}
`),
	domain.NotificationCancellation: mustTemplate(domain.NotificationCancellation,
		`Your reservation at {{.Restaurant}} was cancelled`,
		`Hello {{.Name}},

your reservation for {{.PartySize}} on {{.DateTime}} has been cancelled.
{{- if .Reason}}
Reason: {{.Reason}}
{{- end}}
Reference: {{.ReservationID}}

{{.Restaurant}}
`),
	domain.NotificationReminder: mustTemplate(domain.NotificationReminder,
		`Reminder: your table at {{.Restaurant}} tomorrow`,
		`Hello {{.Name}},

a reminder that we expect you tomorrow, {{.DateTime}}, party of {{.PartySize}}.
If your plans changed, please cancel so we can offer the table to someone else.
Reference: {{.ReservationID}}

{{.Restaurant}}
`),
	domain.NotificationWeeklySummary: mustTemplate(domain.NotificationWeeklySummary,
		`{{.Restaurant}} weekly summary {{.From}} - {{.To}}`,
		`Reservations between {{.From}} and {{.To}}:

  created:   {{.Created}}
  completed: {{.Completed}}
  cancelled: {{.Cancelled}}
  no-show:   {{.NoShow}}
`),
	domain.NotificationWelcome: mustTemplate(domain.NotificationWelcome,
		`Welcome to {{.Restaurant}}`,
		`Hello {{.Name}},

thank you for your first reservation with us. We look forward to your visit.

{{.Restaurant}}
`),
	domain.NotificationContactNotice: mustTemplate(domain.NotificationContactNotice,
		`New contact message from {{.Name}}`,
		`{{.Name}} <{{.Email}}> wrote:

{{.Message}}
`),
}

// Render produces the subject and plain-text body for msg.
func Render(msg Message) (subject, body string, err error) {
	t, ok := templates[msg.Kind]
	if !ok {
		return "", "", errors.Newf("no template for %q", msg.Kind)
	}
	var sb, bb strings.Builder
	if err := t.subject.Execute(&sb, msg.Data); err != nil {
		return "", "", errors.Wrapf(err, "render %s subject", msg.Kind)
	}
	if err := t.body.Execute(&bb, msg.Data); err != nil {
		return "", "", errors.Wrapf(err, "render %s body", msg.Kind)
	}
	return sb.String(), bb.String(), nil
}
