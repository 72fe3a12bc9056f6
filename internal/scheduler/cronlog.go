package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"

	logx "cadence/pkg/logx"
)

// cronLogger routes robfig/cron's internal logging into logx. Cron's info
// messages (schedule, wake, run) are debug noise for us.
type cronLogger struct{ log logx.Logger }

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
