// Package scheduler runs the fixed roster of background tasks on cron schedules
// and guarantees that no task overlaps with itself.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"tableflow/internal/metrics"
)

var (
	ErrNotInitialized = errors.New("scheduler not initialized")
	ErrStopped        = errors.New("scheduler stopped")
	ErrUnknownTask    = errors.New("unknown task")
	ErrTaskRunning    = errors.New("task already running")
)

const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// Task is one roster entry. Run must return promptly once ctx is cancelled.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type TaskStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Running      bool          `json:"running"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	NextRunAt    *time.Time    `json:"next_run_at,omitempty"`
}

type entry struct {
	task    Task
	cronID  cron.EntryID
	running atomic.Bool

	mu           sync.Mutex
	lastRunAt    time.Time
	lastDuration time.Duration
	lastErr      error
	runs         int
	failures     int
}

type Scheduler struct {
	tasks []Task
	loc   *time.Location

	mu          sync.Mutex
	cron        *cron.Cron
	entries     map[string]*entry
	initialized bool
	started     bool
	stopped     bool
	inflight    sync.WaitGroup

	// ctx is handed to every run and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(tasks []Task, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{tasks: tasks, loc: loc, ctx: ctx, cancel: cancel}
}

// Initialize registers every task with cron. Calling it again is a no-op, so
// the roster is never registered twice.
func (s *Scheduler) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.stopped {
		return ErrStopped
	}

	c := cron.New(cron.WithLocation(s.loc), cron.WithLogger(cronLogger{}))
	entries := make(map[string]*entry, len(s.tasks))
	for _, t := range s.tasks {
		if _, dup := entries[t.Name]; dup {
			return errors.Newf("task %q registered twice", t.Name)
		}
		if err := ValidateCronExpression(t.Schedule); err != nil {
			return errors.Wrapf(err, "task %s schedule %q", t.Name, t.Schedule)
		}
		e := &entry{task: t}
		id, err := c.AddJob(t.Schedule, cron.FuncJob(func() { s.fire(e) }))
		if err != nil {
			return errors.Wrapf(err, "register task %s", t.Name)
		}
		e.cronID = id
		entries[t.Name] = e
	}
	s.cron = c
	s.entries = entries
	s.initialized = true

	log.Info().Int("tasks", len(entries)).Str("timezone", s.loc.String()).Msg("scheduler initialized")
	return nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.cron.Start()
	s.started = true
	log.Info().Msg("scheduler started")
	return nil
}

// Stop prevents new firings and cancels the context of running tasks, which
// finish the record in hand and return. Stop waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		// cron runs are tracked by inflight, which is bounded by ctx below
		c.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("scheduler stop timed out with tasks still running")
		return ctx.Err()
	}
}

// RunTaskManually executes a task immediately on the caller's goroutine. It
// fails with ErrTaskRunning instead of waiting if the task is already running.
func (s *Scheduler) RunTaskManually(ctx context.Context, name string) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "%q", name)
	}

	// A manual run also ends when the scheduler shuts down.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopLink := context.AfterFunc(s.ctx, cancel)
	defer stopLink()

	return s.execute(runCtx, e, TriggerManual)
}

// Status reports every task sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	c := s.cron
	started := s.started && !s.stopped
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		st := TaskStatus{Name: e.task.Name, Schedule: e.task.Schedule, Running: e.running.Load()}
		e.mu.Lock()
		if !e.lastRunAt.IsZero() {
			at := e.lastRunAt
			st.LastRunAt = &at
			st.LastDuration = e.lastDuration
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		st.Runs, st.Failures = e.runs, e.failures
		e.mu.Unlock()

		if started {
			if next := c.Entry(e.cronID).Next; !next.IsZero() {
				st.NextRunAt = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// fire is the cron callback. Overlapping firings are skipped, not queued.
func (s *Scheduler) fire(e *entry) {
	err := s.execute(s.ctx, e, TriggerCron)
	if errors.Is(err, ErrTaskRunning) {
		metrics.TaskRuns.WithLabelValues(e.task.Name, TriggerCron, "skipped").Inc()
		log.Warn().Str("task", e.task.Name).Msg("previous run still in progress, skipping")
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry, trigger string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if !e.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return errors.Wrapf(ErrTaskRunning, "%q", e.task.Name)
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	defer e.running.Store(false)

	name := e.task.Name
	metrics.TaskRunning.WithLabelValues(name).Set(1)
	defer metrics.TaskRunning.WithLabelValues(name).Set(0)

	log.Info().Str("task", name).Str("trigger", trigger).Msg("task started")
	start := time.Now()
	err := runGuarded(ctx, e.task)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.lastRunAt = start
	e.lastDuration = elapsed
	e.lastErr = err
	e.runs++
	if err != nil {
		e.failures++
	}
	e.mu.Unlock()

	metrics.TaskDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		metrics.TaskRuns.WithLabelValues(name, trigger, "failure").Inc()
		log.Error().Err(err).Str("task", name).Str("trigger", trigger).Dur("duration", elapsed).Msg("task failed")
		return err
	}
	metrics.TaskRuns.WithLabelValues(name, trigger, "success").Inc()
	log.Info().Str("task", name).Str("trigger", trigger).Dur("duration", elapsed).Msg("task finished")
	return nil
}

func runGuarded(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("task %s panicked: %v", t.Name, p)
		}
	}()
	return t.Run(ctx)
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
