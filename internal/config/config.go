package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

// Prefix for every environment variable, e.g. TABLEFLOW_DB_DSN.
const Prefix = "tableflow"

type Config struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	Debug           bool          `envconfig:"DEBUG" default:"false"`
	Timezone        string        `envconfig:"TIMEZONE" default:"UTC"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"console"`

	DB        DB
	Lifecycle Lifecycle
	Schedule  Schedule
	Notify    Notify
}

type DB struct {
	Driver string `envconfig:"DRIVER" default:"sqlite"`
	DSN    string `envconfig:"DSN" default:"tableflow.db"`
}

type Lifecycle struct {
	GracePeriod     time.Duration `envconfig:"GRACE_PERIOD" default:"30m"`
	Retention       time.Duration `envconfig:"RETENTION" default:"2160h"`
	DefaultDuration int           `envconfig:"DEFAULT_DURATION" default:"120"`
	AutoConfirm     bool          `envconfig:"AUTO_CONFIRM" default:"false"`
}

// Schedule holds one 5-field cron expression per roster task.
type Schedule struct {
	DailyReminders   string `envconfig:"DAILY_REMINDERS" default:"0 10 * * *"`
	NoShowDetection  string `envconfig:"NO_SHOW_DETECTION" default:"0 * * * *"`
	TableRelease     string `envconfig:"TABLE_RELEASE" default:"*/15 * * * *"`
	DataCleanup      string `envconfig:"DATA_CLEANUP" default:"0 3 * * *"`
	WeeklyStatistics string `envconfig:"WEEKLY_STATISTICS" default:"0 9 * * 1"`
}

type Notify struct {
	Gateway     string        `envconfig:"GATEWAY" default:"log"`
	Workers     int           `envconfig:"WORKERS" default:"4"`
	Queue       int           `envconfig:"QUEUE" default:"256"`
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"15s"`
	Operators   []string      `envconfig:"OPERATORS"`
	Restaurant  string        `envconfig:"RESTAURANT" default:"Tableflow"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"SMTP_FROM"`

	WebhookURL   string `envconfig:"WEBHOOK_URL"`
	WebhookToken string `envconfig:"WEBHOOK_TOKEN"`
}

// Load reads the process environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "process env")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrapf(err, "TIMEZONE %q", c.Timezone)
	}
	switch strings.ToLower(c.DB.Driver) {
	case "sqlite", "postgres":
	default:
		return errors.Newf("DB_DRIVER must be sqlite or postgres (got %q)", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("DB_DSN is required")
	}
	if c.Lifecycle.GracePeriod < 0 {
		return errors.New("GRACE_PERIOD must not be negative")
	}
	if c.Lifecycle.Retention <= 0 {
		return errors.New("RETENTION must be positive")
	}
	if c.Lifecycle.DefaultDuration < 1 {
		return errors.New("DEFAULT_DURATION must be >= 1")
	}
	if c.Notify.Workers < 1 {
		return errors.New("NOTIFY_WORKERS must be >= 1")
	}
	if c.Notify.Queue < 1 {
		return errors.New("NOTIFY_QUEUE must be >= 1")
	}
	for name, expr := range c.Schedule.ByTask() {
		if _, err := cron.ParseStandard(expr); err != nil {
			return errors.Wrapf(err, "schedule for %s", name)
		}
	}
	return nil
}

// Location returns the restaurant's time zone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ByTask maps roster task names to their cron expressions.
func (s Schedule) ByTask() map[string]string {
	return map[string]string{
		"daily-reminders":   s.DailyReminders,
		"no-show-detection": s.NoShowDetection,
		"table-release":     s.TableRelease,
		"data-cleanup":      s.DataCleanup,
		"weekly-statistics": s.WeeklyStatistics,
	}
}
