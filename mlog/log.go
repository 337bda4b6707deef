// Package mlog provides logging with log levels and fields on top of
// log/slog.
//
// Each Log method takes a message and key/value attributes. Variable data
// should be in attributes, log messages themselves should be constant, for
// easier log processing.
//
// Below the standard slog levels are three trace levels, used for protocol
// traces: LevelTrace for protocol lines, LevelTraceauth for protocol lines
// with credentials, LevelTracedata for bulk data. Configure a handler with a
// trace level to see protocol going over a connection.
package mlog

import (
	"context"
	"log/slog"
)

// Log levels, mapped to slog levels. The trace levels are below debug.
var (
	LevelError     = slog.LevelError
	LevelWarn      = slog.LevelWarn
	LevelInfo      = slog.LevelInfo
	LevelDebug     = slog.LevelDebug
	LevelTrace     = slog.LevelDebug - 4
	LevelTraceauth = slog.LevelDebug - 6
	LevelTracedata = slog.LevelDebug - 8
)

// Log wraps an slog.Logger with convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute to all messages. If elog is
// nil, slog.Default() is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.Default()
	}
	return Log{elog.With(slog.String("pkg", pkg))}
}

// WithPkg returns a copy of the log with a different "pkg" attribute.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

// Check logs an error at error level if err is not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs protocol data at one of the trace levels, as a quoted string.
// The prefix indicates direction, e.g. "CR: " for client reads and "CW: "
// for client writes.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.Logger.Enabled(context.Background(), level) {
		return
	}
	l.Logger.LogAttrs(context.Background(), level, "trace", slog.String("data", prefix+string(data)))
}
