package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tableflow/internal/api"
	"tableflow/internal/app"
	"tableflow/internal/config"
	"tableflow/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tableflow",
		Short:         "Restaurant reservation lifecycle service with scheduled maintenance tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRunTaskCmd(), newTasksCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the task scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address (overrides TABLEFLOW_ADDR)")
	return cmd
}

func newRunTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-task <name>",
		Short: "Run one scheduled task immediately and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			runErr := a.Scheduler.RunTaskManually(ctx, args[0])

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancelShutdown()
			if err := a.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("shutdown incomplete")
			}
			return runErr
		},
	}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the scheduled tasks and their next run times",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			now := time.Now().In(cfg.Location())
			byTask := cfg.Schedule.ByTask()
			names := make([]string, 0, len(byTask))
			for name := range byTask {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				expr := byTask[name]
				next, err := scheduler.NextRunTime(expr, now)
				if err != nil {
					return errors.Wrapf(err, "task %s", name)
				}
				if err := enc.Encode(map[string]string{"name": name, "schedule": expr, "next_run_at": next.Format(time.RFC3339)}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, errors.Wrap(err, "load config")
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func serve(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Machine:         a.Machine,
			Store:           a.Store,
			Notifier:        a.Dispatcher,
			Tasks:           a.Scheduler,
			Ready:           a.Ready,
			Operators:       cfg.Notify.Operators,
			DefaultDuration: cfg.Lifecycle.DefaultDuration,
			Debug:           cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-srvErr:
		runErr = errors.Wrap(err, "http server")
	}

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelTimeout()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("shutdown timed out, exiting anyway")
	}
	return runErr
}
