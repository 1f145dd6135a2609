// Package jobs implements the bodies of the scheduled maintenance tasks.
package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"tableflow/internal/config"
	"tableflow/internal/domain"
	"tableflow/internal/lifecycle"
	"tableflow/internal/scheduler"
	"tableflow/internal/store"
)

const (
	DailyReminders   = "daily-reminders"
	NoShowDetection  = "no-show-detection"
	TableRelease     = "table-release"
	DataCleanup      = "data-cleanup"
	WeeklyStatistics = "weekly-statistics"
)

// Store is the part of store.Repository the tasks read and purge.
type Store interface {
	Find(ctx context.Context, f store.Filter) ([]domain.Reservation, error)
	Count(ctx context.Context, f store.Filter) (int, error)
	DeleteReservations(ctx context.Context, f store.Filter) (int, error)
	ListOutcomes(ctx context.Context, f store.OutcomeFilter) ([]domain.NotificationOutcome, error)
	PurgeOutcomes(ctx context.Context, before time.Time) (int, error)
}

type Transitioner interface {
	Apply(ctx context.Context, req lifecycle.Request) (lifecycle.Result, error)
}

type Notifier interface {
	Reminder(r domain.Reservation)
	WeeklySummary(recipients []string, stats domain.WeeklyStats)
}

type Settings struct {
	GracePeriod time.Duration
	Retention   time.Duration
	Location    *time.Location
	Operators   []string
}

type Jobs struct {
	store    Store
	machine  Transitioner
	notifier Notifier
	settings Settings
	now      func() time.Time
}

func New(s Store, m Transitioner, n Notifier, settings Settings) *Jobs {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return &Jobs{store: s, machine: m, notifier: n, settings: settings, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (j *Jobs) WithClock(now func() time.Time) *Jobs {
	j.now = now
	return j
}

// Roster pairs every task body with its configured cadence.
func (j *Jobs) Roster(sched config.Schedule) []scheduler.Task {
	return []scheduler.Task{
		{Name: DailyReminders, Schedule: sched.DailyReminders, Run: j.SendDailyReminders},
		{Name: NoShowDetection, Schedule: sched.NoShowDetection, Run: j.DetectNoShows},
		{Name: TableRelease, Schedule: sched.TableRelease, Run: j.ReleaseTables},
		{Name: DataCleanup, Schedule: sched.DataCleanup, Run: j.CleanupData},
		{Name: WeeklyStatistics, Schedule: sched.WeeklyStatistics, Run: j.WeeklyStatistics},
	}
}

// SendDailyReminders reminds every confirmed reservation dated tomorrow in the
// restaurant's time zone. A reservation already reminded successfully is skipped.
func (j *Jobs) SendDailyReminders(ctx context.Context) error {
	now := j.now().In(j.settings.Location)
	from := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, j.settings.Location)
	to := from.AddDate(0, 0, 1)

	due, err := j.store.Find(ctx, store.Filter{
		Statuses: []domain.Status{domain.StatusConfirmed},
		From:     from,
		To:       to,
	})
	if stopped(ctx, err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find reservations for tomorrow")
	}

	sent := 0
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		if r.Customer.Email == "" {
			continue
		}
		prior, err := j.store.ListOutcomes(context.WithoutCancel(ctx), store.OutcomeFilter{
			ResourceID: r.ID,
			Type:       domain.NotificationReminder,
			Status:     domain.OutcomeSent,
			Limit:      1,
		})
		if err != nil {
			return errors.Wrapf(err, "check reminders for %s", r.ID)
		}
		if len(prior) > 0 {
			continue
		}
		j.notifier.Reminder(r)
		sent++
	}

	log.Info().Int("due", len(due)).Int("dispatched", sent).Time("day", from).Msg("daily reminders processed")
	return nil
}

// DetectNoShows marks reservations past their grace period with no check-in.
func (j *Jobs) DetectNoShows(ctx context.Context) error {
	now := j.now()
	due, err := j.store.Find(ctx, store.Filter{
		Statuses:      []domain.Status{domain.StatusConfirmed, domain.StatusSeated},
		StartedBefore: now.Add(-j.settings.GracePeriod),
	})
	if stopped(ctx, err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find no-show candidates")
	}

	var candidates []domain.Reservation
	for _, r := range due {
		if !r.CheckedIn() {
			candidates = append(candidates, r)
		}
	}
	return j.transitionAll(ctx, NoShowDetection, candidates, lifecycle.EventMarkNoShow, "grace period elapsed without check-in")
}

// ReleaseTables completes seated reservations whose occupancy window has ended.
func (j *Jobs) ReleaseTables(ctx context.Context) error {
	due, err := j.store.Find(ctx, store.Filter{
		Statuses:    []domain.Status{domain.StatusSeated},
		EndedBefore: j.now(),
	})
	if stopped(ctx, err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find tables to release")
	}
	return j.transitionAll(ctx, TableRelease, due, lifecycle.EventComplete, "occupancy window elapsed")
}

// stopped reports whether err is the run context being cancelled, which a
// task treats as a clean stop rather than a failure.
func stopped(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled)
}

// transitionAll applies ev to each record. The context is checked between
// records only, so a record being written is always finished. Records that
// moved on concurrently are skipped; other per-record failures are collected.
func (j *Jobs) transitionAll(ctx context.Context, task string, rs []domain.Reservation, ev lifecycle.Event, reason string) error {
	var (
		applied, skipped int
		errs             error
	)
	for _, r := range rs {
		if ctx.Err() != nil {
			log.Info().Str("task", task).Int("remaining", len(rs)-applied-skipped).Msg("stopping before next record")
			break
		}
		res, err := j.machine.Apply(context.WithoutCancel(ctx), lifecycle.Request{
			ID:     r.ID,
			Event:  ev,
			Actor:  lifecycle.SchedulerActor(task),
			Reason: reason,
		})
		switch {
		case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			skipped++
			log.Debug().Err(err).Str("task", task).Str("reservation_id", r.ID).Msg("reservation changed since it was selected")
		case errors.Is(err, store.ErrUnavailable):
			return errors.Wrapf(err, "%s %s", ev, r.ID)
		case err != nil:
			skipped++
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s %s", ev, r.ID))
		case res.Applied:
			applied++
		default:
			skipped++
		}
	}

	log.Info().Str("task", task).Int("candidates", len(rs)).Int("applied", applied).Int("skipped", skipped).Msg("transitions processed")
	return errs
}

// CleanupData deletes terminal reservations and notification outcomes older
// than the retention horizon.
func (j *Jobs) CleanupData(ctx context.Context) error {
	horizon := j.now().Add(-j.settings.Retention)

	reservations, err := j.store.DeleteReservations(ctx, store.Filter{
		Statuses:  domain.TerminalStatuses,
		UpdatedTo: horizon,
	})
	if stopped(ctx, err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "purge reservations")
	}
	if ctx.Err() != nil {
		return nil
	}
	outcomes, err := j.store.PurgeOutcomes(context.WithoutCancel(ctx), horizon)
	if err != nil {
		return errors.Wrap(err, "purge notification outcomes")
	}

	log.Info().Time("horizon", horizon).Int("reservations", reservations).Int("outcomes", outcomes).Msg("data cleanup finished")
	return nil
}

// WeeklyStatistics counts the prior seven days of activity and sends the
// summary to the operators.
func (j *Jobs) WeeklyStatistics(ctx context.Context) error {
	stats, err := j.Stats(ctx, j.now().AddDate(0, 0, -7), j.now())
	if stopped(ctx, err) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().
		Int("created", stats.Created).
		Int("completed", stats.Completed).
		Int("cancelled", stats.Cancelled).
		Int("no_show", stats.NoShow).
		Msg("weekly statistics computed")

	if len(j.settings.Operators) == 0 {
		log.Warn().Msg("no operators configured, weekly summary not sent")
		return nil
	}
	j.notifier.WeeklySummary(j.settings.Operators, stats)
	return nil
}

// Stats aggregates reservation activity in [from, to). Terminal counts are
// attributed to the window in which the reservation last changed.
func (j *Jobs) Stats(ctx context.Context, from, to time.Time) (domain.WeeklyStats, error) {
	stats := domain.WeeklyStats{From: from, To: to}

	var err error
	if stats.Created, err = j.store.Count(ctx, store.Filter{CreatedFrom: from, CreatedTo: to}); err != nil {
		return stats, errors.Wrap(err, "count created")
	}
	counts := []struct {
		status domain.Status
		dst    *int
	}{
		{domain.StatusCompleted, &stats.Completed},
		{domain.StatusCancelled, &stats.Cancelled},
		{domain.StatusNoShow, &stats.NoShow},
	}
	for _, c := range counts {
		n, err := j.store.Count(ctx, store.Filter{
			Statuses:    []domain.Status{c.status},
			UpdatedFrom: from,
			UpdatedTo:   to,
		})
		if err != nil {
			return stats, errors.Wrapf(err, "count %s", c.status)
		}
		*c.dst = n
	}
	return stats, nil
}
