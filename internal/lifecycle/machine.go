// Package lifecycle owns the reservation state machine. Every status change,
// whether requested by an HTTP handler or a scheduled task, goes through Apply.
package lifecycle

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"tableflow/internal/domain"
	"tableflow/internal/metrics"
	"tableflow/internal/store"
)

var ErrInvalidTransition = errors.New("invalid transition")

type Event string

const (
	EventConfirm    Event = "confirm"
	EventCancel     Event = "cancel"
	EventCheckIn    Event = "check_in"
	EventMarkNoShow Event = "mark_no_show"
	EventComplete   Event = "complete"
)

const (
	ActorUser   = "user"
	ActorStaff  = "staff"
	ActorSystem = "system"
)

// SchedulerActor names the actor for transitions made by a scheduled task.
func SchedulerActor(task string) string { return "scheduler:" + task }

type edge struct {
	from  domain.Status
	event Event
}

// Trigger classifies an actor for permission checks.
type Trigger string

const (
	TriggerUser      Trigger = "user"
	TriggerStaff     Trigger = "staff"
	TriggerSystem    Trigger = "system"
	TriggerScheduler Trigger = "scheduler"
)

// TriggerOf maps an actor string to its trigger class. Unknown actors map to "".
func TriggerOf(actor string) Trigger {
	switch {
	case actor == ActorUser:
		return TriggerUser
	case actor == ActorStaff:
		return TriggerStaff
	case actor == ActorSystem:
		return TriggerSystem
	case strings.HasPrefix(actor, "scheduler:"):
		return TriggerScheduler
	}
	return ""
}

type rule struct {
	to       domain.Status
	triggers []Trigger
}

var (
	customerOrStaff = []Trigger{TriggerUser, TriggerStaff}
	staffOrTasks    = []Trigger{TriggerStaff, TriggerScheduler}
)

var transitions = map[edge]rule{
	{domain.StatusPending, EventConfirm}:      {domain.StatusConfirmed, []Trigger{TriggerUser, TriggerStaff, TriggerSystem}},
	{domain.StatusPending, EventCancel}:       {domain.StatusCancelled, customerOrStaff},
	{domain.StatusConfirmed, EventCancel}:     {domain.StatusCancelled, customerOrStaff},
	{domain.StatusConfirmed, EventCheckIn}:    {domain.StatusSeated, customerOrStaff},
	{domain.StatusConfirmed, EventMarkNoShow}: {domain.StatusNoShow, staffOrTasks},
	{domain.StatusSeated, EventMarkNoShow}:    {domain.StatusNoShow, staffOrTasks},
	{domain.StatusSeated, EventComplete}:      {domain.StatusCompleted, staffOrTasks},
}

var targets = map[Event]domain.Status{
	EventConfirm:    domain.StatusConfirmed,
	EventCancel:     domain.StatusCancelled,
	EventCheckIn:    domain.StatusSeated,
	EventMarkNoShow: domain.StatusNoShow,
	EventComplete:   domain.StatusCompleted,
}

// Target returns the status an event leads to.
func Target(ev Event) (domain.Status, bool) {
	s, ok := targets[ev]
	return s, ok
}

// Permitted reports whether actor may trigger ev on at least one edge.
func Permitted(ev Event, actor string) bool {
	tr := TriggerOf(actor)
	if tr == "" {
		return false
	}
	for e, r := range transitions {
		if e.event == ev && slices.Contains(r.triggers, tr) {
			return true
		}
	}
	return false
}

// Store is the subset of store.Repository the machine needs.
type Store interface {
	Create(ctx context.Context, r domain.Reservation) (string, error)
	Get(ctx context.Context, id string) (domain.Reservation, error)
	Save(ctx context.Context, r domain.Reservation, expected domain.Status) error
}

// Notifier is told about every persisted transition. Implementations must not block.
type Notifier interface {
	StatusChanged(r domain.Reservation, reason string)
}

type Request struct {
	ID     string
	Event  Event
	Actor  string
	Reason string
	// Table is required for check-in.
	Table string
}

type Result struct {
	Reservation domain.Reservation
	From        domain.Status
	// Applied is false when the reservation was already in the target status.
	Applied bool
}

type Machine struct {
	store       Store
	notifier    Notifier
	locks       *keyedMutex
	now         func() time.Time
	autoConfirm bool
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithAutoConfirm confirms new reservations as soon as they are created.
func WithAutoConfirm(on bool) Option { return func(m *Machine) { m.autoConfirm = on } }

func New(s Store, n Notifier, opts ...Option) *Machine {
	m := &Machine{
		store:    s,
		notifier: n,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply performs one transition. The current status is always re-read from the
// store under a per-reservation lock, and the write is conditional on that status,
// so a concurrent writer in another process surfaces as a retry rather than a clobber.
func (m *Machine) Apply(ctx context.Context, req Request) (Result, error) {
	target, ok := Target(req.Event)
	if !ok {
		return Result{}, errors.Wrapf(ErrInvalidTransition, "unknown event %q", req.Event)
	}
	if !Permitted(req.Event, req.Actor) {
		metrics.Transitions.WithLabelValues(string(req.Event), "rejected").Inc()
		return Result{}, errors.Wrapf(ErrInvalidTransition, "%q may not %s a reservation", req.Actor, req.Event)
	}
	if req.Event == EventCheckIn && strings.TrimSpace(req.Table) == "" {
		return Result{}, errors.Mark(errors.New("table is required for check-in"), domain.ErrValidation)
	}

	unlock := m.locks.Lock(req.ID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		cur, err := m.store.Get(ctx, req.ID)
		if err != nil {
			return Result{}, err
		}
		if cur.Status == target {
			metrics.Transitions.WithLabelValues(string(req.Event), "noop").Inc()
			return Result{Reservation: cur, From: cur.Status}, nil
		}
		rl, ok := transitions[edge{cur.Status, req.Event}]
		if !ok || !slices.Contains(rl.triggers, TriggerOf(req.Actor)) {
			metrics.Transitions.WithLabelValues(string(req.Event), "rejected").Inc()
			return Result{Reservation: cur, From: cur.Status},
				errors.Wrapf(ErrInvalidTransition, "cannot %s a %s reservation", req.Event, cur.Status)
		}

		next := cur.Clone()
		switch req.Event {
		case EventCheckIn:
			table := strings.TrimSpace(req.Table)
			next.Table = &table
		case EventComplete:
			next.Table = nil
		}
		next.Append(target, m.now(), req.Actor, req.Reason)

		err = m.store.Save(ctx, next, cur.Status)
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			metrics.Transitions.WithLabelValues(string(req.Event), "error").Inc()
			return Result{}, errors.Wrapf(err, "%s reservation %s", req.Event, req.ID)
		}

		metrics.Transitions.WithLabelValues(string(req.Event), "applied").Inc()
		log.Info().
			Str("reservation_id", next.ID).
			Str("from", string(cur.Status)).
			Str("to", string(next.Status)).
			Str("actor", req.Actor).
			Msg("reservation transitioned")

		if m.notifier != nil {
			m.notifier.StatusChanged(next.Clone(), req.Reason)
		}
		return Result{Reservation: next, From: cur.Status, Applied: true}, nil
	}
}

// Create stores a new pending reservation and, with auto-confirm on, confirms it.
func (m *Machine) Create(ctx context.Context, r domain.Reservation, actor string) (domain.Reservation, error) {
	now := m.now()
	r.ID = ""
	r.Table = nil
	r.StatusHistory = nil
	r.CreatedAt = now
	r.Append(domain.StatusPending, now, actor, "created")
	if err := r.Validate(); err != nil {
		return domain.Reservation{}, err
	}

	id, err := m.store.Create(ctx, r)
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "create reservation")
	}
	r.ID = id

	if !m.autoConfirm {
		return r, nil
	}
	res, err := m.Apply(ctx, Request{ID: id, Event: EventConfirm, Actor: ActorSystem, Reason: "auto-confirmed"})
	if err != nil {
		return r, err
	}
	return res.Reservation, nil
}

// Update changes the mutable details of a reservation that has not reached a
// terminal status. Status and history are never touched here.
func (m *Machine) Update(ctx context.Context, id string, mutate func(*domain.Reservation) error) (domain.Reservation, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if cur.Status.Terminal() {
		return cur, errors.Wrapf(ErrInvalidTransition, "cannot modify a %s reservation", cur.Status)
	}

	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return cur, err
	}
	next.ID, next.Status, next.StatusHistory, next.CreatedAt = cur.ID, cur.Status, cur.StatusHistory, cur.CreatedAt
	next.UpdatedAt = m.now()
	if err := next.Validate(); err != nil {
		return cur, err
	}
	if err := m.store.Save(ctx, next, cur.Status); err != nil {
		return cur, errors.Wrapf(err, "update reservation %s", id)
	}
	return next, nil
}
