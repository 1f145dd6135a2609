package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrValidation marks errors caused by bad input rather than system state.
var ErrValidation = errors.New("validation failed")

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusSeated    Status = "seated"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

var AllStatuses = []Status{StatusPending, StatusConfirmed, StatusSeated, StatusCompleted, StatusCancelled, StatusNoShow}

var TerminalStatuses = []Status{StatusCompleted, StatusCancelled, StatusNoShow}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// StatusChange is one entry of a reservation's append-only audit trail.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
}

type Reservation struct {
	ID            string         `json:"id"`
	DateTime      time.Time      `json:"date_time"`
	Duration      int            `json:"duration"` // minutes
	PartySize     int            `json:"party_size"`
	Customer      Customer       `json:"customer"`
	Table         *string        `json:"table,omitempty"`
	Status        Status         `json:"status"`
	StatusHistory []StatusChange `json:"status_history"`
	Notes         string         `json:"notes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EndsAt is the end of the occupancy window.
func (r Reservation) EndsAt() time.Time {
	return r.DateTime.Add(time.Duration(r.Duration) * time.Minute)
}

// CheckedIn reports whether the history contains a check-in.
func (r Reservation) CheckedIn() bool {
	for _, h := range r.StatusHistory {
		if h.Status == StatusSeated {
			return true
		}
	}
	return false
}

// Consistent reports whether Status matches the last history entry.
func (r Reservation) Consistent() bool {
	n := len(r.StatusHistory)
	return n > 0 && r.StatusHistory[n-1].Status == r.Status
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (r Reservation) Clone() Reservation {
	c := r
	if r.Table != nil {
		t := *r.Table
		c.Table = &t
	}
	c.StatusHistory = append([]StatusChange(nil), r.StatusHistory...)
	return c
}

// Append records a transition to status and keeps Status in step with the history.
func (r *Reservation) Append(status Status, at time.Time, actor, reason string) {
	r.StatusHistory = append(r.StatusHistory, StatusChange{Status: status, At: at, Actor: actor, Reason: reason})
	r.Status = status
	r.UpdatedAt = at
}

func (r Reservation) Validate() error {
	if r.DateTime.IsZero() {
		return errors.Mark(errors.New("date_time required"), ErrValidation)
	}
	if r.PartySize < 1 {
		return errors.Mark(errors.New("party_size must be >= 1"), ErrValidation)
	}
	if r.Duration < 1 {
		return errors.Mark(errors.New("duration must be >= 1 minute"), ErrValidation)
	}
	if r.Customer.Name == "" {
		return errors.Mark(errors.New("customer name required"), ErrValidation)
	}
	if !r.Status.Valid() {
		return errors.Mark(errors.Newf("unknown status %q", r.Status), ErrValidation)
	}
	return nil
}
