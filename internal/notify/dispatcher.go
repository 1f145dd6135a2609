package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tableflow/internal/domain"
	"tableflow/internal/metrics"
)

const (
	dateLayout     = "Mon 2 Jan 2006"
	dateTimeLayout = "Mon 2 Jan 2006 15:04 MST"
	recordTimeout  = 5 * time.Second
)

// OutcomeStore persists delivery outcomes. Write failures are logged, never returned.
type OutcomeStore interface {
	AppendOutcome(ctx context.Context, o domain.NotificationOutcome) error
}

// Intent is the decision to send one templated message to one recipient.
type Intent struct {
	Type       domain.NotificationType
	ResourceID string
	Recipient  string
	Data       map[string]any
}

type Options struct {
	Workers     int
	Queue       int
	SendTimeout time.Duration
	Restaurant  string
	Location    *time.Location
	Now         func() time.Time
}

type Dispatcher struct {
	gateway  Gateway
	outcomes OutcomeStore
	pool     *Pool
	opts     Options

	// base is cancelled when Close gives up waiting, aborting in-flight sends.
	base   context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	mu        sync.Mutex
	closing   bool
	detached  sync.WaitGroup
	// reminders queued or being sent, by reservation id
	reminding map[string]struct{}
}

// NewDispatcher returns a dispatcher that delivers through gw. A nil gw disables
// delivery: intents are dropped with a debug log and produce no outcome.
func NewDispatcher(gw Gateway, outcomes OutcomeStore, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Queue < opts.Workers {
		opts.Queue = opts.Workers
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{gateway: gw, outcomes: outcomes, opts: opts, base: base, cancel: cancel, reminding: map[string]struct{}{}}
	d.pool = NewPool(opts.Workers, opts.Queue, d.deliver)
	return d
}

// Start launches the delivery workers. Calling it more than once is harmless.
func (d *Dispatcher) Start() {
	d.startOnce.Do(d.pool.Run)
}

func (d *Dispatcher) Enabled() bool { return d.gateway != nil }

// StatusChanged maps a persisted transition to its notification, if any.
func (d *Dispatcher) StatusChanged(r domain.Reservation, reason string) {
	var kind domain.NotificationType
	switch r.Status {
	case domain.StatusConfirmed:
		kind = domain.NotificationConfirmation
	case domain.StatusCancelled, domain.StatusNoShow:
		kind = domain.NotificationCancellation
		if reason == "" && r.Status == domain.StatusNoShow {
			reason = "no-show"
		}
	default:
		return
	}
	d.Dispatch(Intent{
		Type:       kind,
		ResourceID: r.ID,
		Recipient:  r.Customer.Email,
		Data:       d.reservationData(r, reason),
	})
}

func (d *Dispatcher) Reminder(r domain.Reservation) {
	d.Dispatch(Intent{
		Type:       domain.NotificationReminder,
		ResourceID: r.ID,
		Recipient:  r.Customer.Email,
		Data:       d.reservationData(r, ""),
	})
}

func (d *Dispatcher) Welcome(r domain.Reservation) {
	d.Dispatch(Intent{
		Type:       domain.NotificationWelcome,
		ResourceID: r.ID,
		Recipient:  r.Customer.Email,
		Data:       d.reservationData(r, ""),
	})
}

func (d *Dispatcher) WeeklySummary(recipients []string, stats domain.WeeklyStats) {
	data := map[string]any{
		"Restaurant": d.opts.Restaurant,
		"From":       stats.From.In(d.opts.Location).Format(dateLayout),
		"To":         stats.To.In(d.opts.Location).Format(dateLayout),
		"Created":    stats.Created,
		"Completed":  stats.Completed,
		"Cancelled":  stats.Cancelled,
		"NoShow":     stats.NoShow,
	}
	for _, to := range recipients {
		d.Dispatch(Intent{Type: domain.NotificationWeeklySummary, Recipient: to, Data: data})
	}
}

func (d *Dispatcher) ContactNotice(recipients []string, name, email, message string) {
	data := map[string]any{
		"Restaurant": d.opts.Restaurant,
		"Name":       name,
		"Email":      email,
		"Message":    message,
	}
	for _, to := range recipients {
		d.Dispatch(Intent{Type: domain.NotificationContactNotice, Recipient: to, Data: data})
	}
}

// Dispatch hands the intent to the worker pool and returns immediately.
func (d *Dispatcher) Dispatch(in Intent) {
	if in.Recipient == "" {
		log.Debug().Str("type", string(in.Type)).Str("resource_id", in.ResourceID).Msg("no recipient, notification skipped")
		return
	}
	if !d.Enabled() {
		log.Debug().Str("type", string(in.Type)).Str("resource_id", in.ResourceID).Msg("notifications disabled, skipped")
		return
	}
	if !d.claim(in) {
		log.Debug().Str("resource_id", in.ResourceID).Msg("reminder already in flight, skipped")
		return
	}
	if d.pool.Submit(in) {
		return
	}

	// The attempt was started but cannot be queued; it still gets its outcome.
	failed := d.outcome(in, "", errors.New("notification queue full or closed"))
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		d.finish(in, failed)
		return
	}
	d.detached.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.detached.Done()
		d.finish(in, failed)
	}()
}

// claim reserves the reminder slot of a reservation until its outcome is
// written, so a rerun cannot queue the same reminder twice. Other types pass.
func (d *Dispatcher) claim(in Intent) bool {
	if in.Type != domain.NotificationReminder || in.ResourceID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.reminding[in.ResourceID]; ok {
		return false
	}
	d.reminding[in.ResourceID] = struct{}{}
	return true
}

func (d *Dispatcher) finish(in Intent, o domain.NotificationOutcome) {
	d.record(o)
	if in.Type == domain.NotificationReminder {
		d.mu.Lock()
		delete(d.reminding, in.ResourceID)
		d.mu.Unlock()
	}
}

// Close stops intake and drains queued sends. When ctx expires first, in-flight
// sends are aborted and recorded as failed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	err := d.pool.Close(ctx)
	if err != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.cancel()
	return err
}

func (d *Dispatcher) deliver(in Intent) {
	start := time.Now()
	id, err := d.send(in)
	metrics.NotificationLatency.Observe(time.Since(start).Seconds())
	d.finish(in, d.outcome(in, id, err))
}

// send calls the gateway on its own goroutine so a gateway that ignores ctx
// still cannot hold a worker past the send timeout.
func (d *Dispatcher) send(in Intent) (string, error) {
	ctx, cancel := context.WithTimeout(d.base, d.opts.SendTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: errors.Newf("gateway panic: %v", p)}
			}
		}()
		id, err := d.gateway.Send(ctx, Message{Kind: in.Type, Recipient: in.Recipient, Data: in.Data})
		ch <- result{id: id, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = errors.Wrap(ctx.Err(), "gateway call abandoned")
	}
	if res.err != nil {
		return "", errors.Mark(errors.Wrapf(res.err, "%s gateway", d.gateway.Name()), ErrGateway)
	}
	return res.id, nil
}

func (d *Dispatcher) outcome(in Intent, messageID string, err error) domain.NotificationOutcome {
	o := domain.NotificationOutcome{
		Type:       in.Type,
		ResourceID: in.ResourceID,
		Recipient:  in.Recipient,
		Timestamp:  d.opts.Now(),
	}
	if err != nil {
		o.Status = domain.OutcomeFailed
		o.Error = &domain.OutcomeError{Message: err.Error(), Detail: errors.FlattenDetails(err)}
		return o
	}
	o.Status = domain.OutcomeSent
	o.MessageID = messageID
	return o
}

func (d *Dispatcher) record(o domain.NotificationOutcome) {
	metrics.Notifications.WithLabelValues(string(o.Type), string(o.Status)).Inc()

	var ev *zerolog.Event
	if o.Status == domain.OutcomeFailed {
		ev = log.Warn().Str("error", o.Error.Message)
	} else {
		ev = log.Info()
	}
	ev.Str("type", string(o.Type)).
		Str("resource_id", o.ResourceID).
		Str("recipient", o.Recipient).
		Str("status", string(o.Status)).
		Msg("notification attempt")

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := d.outcomes.AppendOutcome(ctx, o); err != nil {
		log.Error().Err(err).Str("type", string(o.Type)).Str("resource_id", o.ResourceID).Msg("failed to record notification outcome")
	}
}

func (d *Dispatcher) reservationData(r domain.Reservation, reason string) map[string]any {
	table := ""
	if r.Table != nil {
		table = *r.Table
	}
	return map[string]any{
		"Restaurant":    d.opts.Restaurant,
		"ReservationID": r.ID,
		"Name":          r.Customer.Name,
		"DateTime":      r.DateTime.In(d.opts.Location).Format(dateTimeLayout),
		"PartySize":     strconv.Itoa(r.PartySize),
		"Table":         table,
		"Reason":        reason,
	}
}
