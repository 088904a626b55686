// Package xlog provides the logging adapter used across portxferd.
package xlog

import (
	"fmt"
	"os"

	gklog "github.com/go-kit/kit/log"
	gklevel "github.com/go-kit/kit/log/level"

	log "github.com/fclairamb/go-log"
	lognoop "github.com/fclairamb/go-log/noop"
)

// NoOp returns a logger that discards everything, used as the default
// before a caller wires a real one in.
func NoOp() log.Logger {
	return lognoop.NewNoOpLogger()
}

type gkLogger struct {
	logger gklog.Logger
}

// NewStdout builds a go-kit logfmt logger writing to stdout.
func NewStdout() log.Logger {
	return &gkLogger{logger: gklog.NewLogfmtLogger(gklog.NewSyncWriter(os.Stdout))}
}

func (l *gkLogger) checkErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging error:", err)
	}
}

func (l *gkLogger) log(level gklog.Logger, event string, keyvals ...interface{}) {
	kv := append([]interface{}{"event", event}, keyvals...)
	l.checkErr(level.Log(kv...))
}

func (l *gkLogger) Debug(event string, keyvals ...interface{}) {
	l.log(gklevel.Debug(l.logger), event, keyvals...)
}

func (l *gkLogger) Info(event string, keyvals ...interface{}) {
	l.log(gklevel.Info(l.logger), event, keyvals...)
}

func (l *gkLogger) Warn(event string, keyvals ...interface{}) {
	l.log(gklevel.Warn(l.logger), event, keyvals...)
}

func (l *gkLogger) Error(event string, keyvals ...interface{}) {
	l.log(gklevel.Error(l.logger), event, keyvals...)
}

func (l *gkLogger) With(keyvals ...interface{}) log.Logger {
	return &gkLogger{logger: gklog.With(l.logger, keyvals...)}
}
