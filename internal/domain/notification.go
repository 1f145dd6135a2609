package domain

import "time"

type NotificationType string

const (
	NotificationConfirmation  NotificationType = "confirmation"
	NotificationCancellation  NotificationType = "cancellation"
	NotificationReminder      NotificationType = "reminder"
	NotificationWeeklySummary NotificationType = "weekly_summary"
	NotificationWelcome       NotificationType = "welcome"
	NotificationContactNotice NotificationType = "contact_notice"
)

type OutcomeStatus string

const (
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomePending OutcomeStatus = "pending"
)

type OutcomeError struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// NotificationOutcome records a single delivery attempt.
type NotificationOutcome struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	ResourceID string           `json:"resource_id,omitempty"`
	Recipient  string           `json:"recipient"`
	Status     OutcomeStatus    `json:"status"`
	MessageID  string           `json:"message_id,omitempty"`
	Error      *OutcomeError    `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// WeeklyStats aggregates reservation activity over a reporting window.
type WeeklyStats struct {
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Created   int       `json:"created"`
	Completed int       `json:"completed"`
	Cancelled int       `json:"cancelled"`
	NoShow    int       `json:"no_show"`
}
