package franz

import (
	"github.com/go-logfmt/logfmt"
	"github.com/twmb/franz-go/pkg/kgo"
)

const logFacility = "KGO"

// logger adapts kgo logging to the log trampoline. Lines are queued for
// Poll once the handle's logs are redirected; before that they go straight
// to the trampoline from kgo's goroutines.
type logger struct {
	h *handle
}

func (l *logger) Level() kgo.LogLevel {
	switch lvl := l.h.cfg.logLevel; {
	case lvl <= 0:
		return kgo.LogLevelNone
	case lvl <= 3:
		return kgo.LogLevelError
	case lvl == 4:
		return kgo.LogLevelWarn
	case lvl <= 6:
		return kgo.LogLevelInfo
	default:
		return kgo.LogLevelDebug
	}
}

func (l *logger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	if l.h.detached.Load() {
		return
	}

	ev := event{
		kind:     evLog,
		level:    syslogLevel(level),
		facility: logFacility,
		message:  formatLine(msg, keyvals),
	}
	if l.h.redirected.Load() {
		l.h.events.push(ev)
		return
	}
	l.h.tr.OnLog(l.h.cfg.opaque, ev.level, ev.facility, ev.message)
}

func syslogLevel(level kgo.LogLevel) int {
	switch level {
	case kgo.LogLevelError:
		return 3
	case kgo.LogLevelWarn:
		return 4
	case kgo.LogLevelInfo:
		return 6
	default:
		return 7
	}
}

// formatLine renders msg followed by keyvals in logfmt.
func formatLine(msg string, keyvals []any) string {
	if len(keyvals) == 0 {
		return msg
	}
	b, err := logfmt.MarshalKeyvals(keyvals...)
	if err != nil {
		return msg
	}
	return msg + " " + string(b)
}
