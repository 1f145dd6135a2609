// Package store persists reservations and notification outcomes.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"tableflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Save when the stored status no longer matches the expected one.
	ErrConflict = errors.New("reservation changed concurrently")
	// ErrUnavailable marks driver and connectivity failures. Callers treat it as transient.
	ErrUnavailable = errors.New("store unavailable")
)

// Filter selects reservations. Zero-valued fields are ignored.
type Filter struct {
	Statuses []domain.Status

	// DateTime in [From, To)
	From time.Time
	To   time.Time

	// DateTime < StartedBefore
	StartedBefore time.Time
	// DateTime + Duration < EndedBefore
	EndedBefore time.Time

	CreatedFrom time.Time
	CreatedTo   time.Time
	UpdatedFrom time.Time
	UpdatedTo   time.Time

	Email string
	Limit int
}

type OutcomeFilter struct {
	ResourceID string
	Type       domain.NotificationType
	Status     domain.OutcomeStatus
	Limit      int
}

type Repository interface {
	// Create inserts r and returns its id, generating one when r.ID is empty.
	Create(ctx context.Context, r domain.Reservation) (string, error)
	Get(ctx context.Context, id string) (domain.Reservation, error)
	Find(ctx context.Context, f Filter) ([]domain.Reservation, error)
	Count(ctx context.Context, f Filter) (int, error)
	// Save overwrites r if the stored status still equals expected.
	Save(ctx context.Context, r domain.Reservation, expected domain.Status) error
	DeleteReservations(ctx context.Context, f Filter) (int, error)

	AppendOutcome(ctx context.Context, o domain.NotificationOutcome) error
	ListOutcomes(ctx context.Context, f OutcomeFilter) ([]domain.NotificationOutcome, error)
	PurgeOutcomes(ctx context.Context, before time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// dialect captures what differs between SQL drivers when building filters.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	endExpr     string
}

func (f Filter) where(d dialect) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, strings.Replace(expr, "?", d.placeholder(len(args)), 1))
	}

	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			args = append(args, string(s))
			ph = append(ph, d.placeholder(len(args)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !f.From.IsZero() {
		add("date_time >= ?", d.timeArg(f.From))
	}
	if !f.To.IsZero() {
		add("date_time < ?", d.timeArg(f.To))
	}
	if !f.StartedBefore.IsZero() {
		add("date_time < ?", d.timeArg(f.StartedBefore))
	}
	if !f.EndedBefore.IsZero() {
		add(d.endExpr+" < ?", d.timeArg(f.EndedBefore))
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= ?", d.timeArg(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		add("created_at < ?", d.timeArg(f.CreatedTo))
	}
	if !f.UpdatedFrom.IsZero() {
		add("updated_at >= ?", d.timeArg(f.UpdatedFrom))
	}
	if !f.UpdatedTo.IsZero() {
		add("updated_at < ?", d.timeArg(f.UpdatedTo))
	}
	if f.Email != "" {
		add("lower(customer_email) = lower(?)", f.Email)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (f OutcomeFilter) where(d dialect) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, strings.Replace(expr, "?", d.placeholder(len(args)), 1))
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, op)
	}
	return errors.Mark(errors.Wrap(err, op), ErrUnavailable)
}

// Open connects to the configured driver ("sqlite" or "postgres") and ensures the schema.
func Open(ctx context.Context, driver, dsn string) (Repository, error) {
	switch strings.ToLower(driver) {
	case "sqlite":
		s, err := OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		p, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, errors.Newf("unsupported driver %q", driver)
}
