package scheduler

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// cronLogger routes robfig/cron's internal logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(log.Debug(), keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	withFields(log.Error().Err(err), keysAndValues).Msg("cron: " + msg)
}

func withFields(ev *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	return ev
}
