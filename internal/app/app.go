// Package app wires the store, notifications, lifecycle machine and scheduler
// together and owns their startup and shutdown order.
package app

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"tableflow/internal/config"
	"tableflow/internal/jobs"
	"tableflow/internal/lifecycle"
	"tableflow/internal/notify"
	"tableflow/internal/scheduler"
	"tableflow/internal/store"
)

var ErrNotReady = errors.New("not ready")

type App struct {
	Config     config.Config
	Store      store.Repository
	Dispatcher *notify.Dispatcher
	Machine    *lifecycle.Machine
	Jobs       *jobs.Jobs
	Scheduler  *scheduler.Scheduler

	ready atomic.Bool
}

// New connects to the store, checks the gateway configuration and initializes
// the scheduler, in that order. An unusable gateway disables notifications
// instead of failing startup.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	repo, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, errors.Wrap(err, "store not reachable")
	}
	log.Info().Str("driver", cfg.DB.Driver).Msg("store connected")

	gw, err := notify.NewGateway(cfg.Notify)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("gateway", cfg.Notify.Gateway).Msg("notifications disabled: gateway configuration invalid")
		gw = nil
	case gw == nil:
		log.Warn().Msg("notifications disabled")
	default:
		log.Info().Str("gateway", gw.Name()).Msg("notification gateway configured")
	}

	loc := cfg.Location()
	d := notify.NewDispatcher(gw, repo, notify.Options{
		Workers:     cfg.Notify.Workers,
		Queue:       cfg.Notify.Queue,
		SendTimeout: cfg.Notify.SendTimeout,
		Restaurant:  cfg.Notify.Restaurant,
		Location:    loc,
	})
	d.Start()

	m := lifecycle.New(repo, d, lifecycle.WithAutoConfirm(cfg.Lifecycle.AutoConfirm))
	j := jobs.New(repo, m, d, jobs.Settings{
		GracePeriod: cfg.Lifecycle.GracePeriod,
		Retention:   cfg.Lifecycle.Retention,
		Location:    loc,
		Operators:   cfg.Notify.Operators,
	})

	s := scheduler.New(j.Roster(cfg.Schedule), loc)
	if err := s.Initialize(); err != nil {
		_ = d.Close(ctx)
		_ = repo.Close()
		return nil, errors.Wrap(err, "initialize scheduler")
	}

	return &App{
		Config:     cfg,
		Store:      repo,
		Dispatcher: d,
		Machine:    m,
		Jobs:       j,
		Scheduler:  s,
	}, nil
}

// Start begins firing scheduled tasks and marks the app ready.
func (a *App) Start() error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	a.ready.Store(true)
	return nil
}

// Ready reports whether the app is started and the store answers.
func (a *App) Ready(ctx context.Context) error {
	if !a.ready.Load() {
		return ErrNotReady
	}
	if err := a.Store.Ping(ctx); err != nil {
		return errors.Mark(err, ErrNotReady)
	}
	return nil
}

// Shutdown drains the scheduler, then pending notifications, then closes the
// store. Every step runs even if an earlier one timed out.
func (a *App) Shutdown(ctx context.Context) error {
	a.ready.Store(false)

	var errs error
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "stop scheduler"))
	}
	if err := a.Dispatcher.Close(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "drain notifications"))
	}
	if err := a.Store.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close store"))
	}
	log.Info().Msg("shutdown complete")
	return errs
}
