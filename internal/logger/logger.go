// Package logger is the daemon-wide structured logger: a thin package-level
// facade over log/slog with five severities (trace through error), a JSON
// or text handler selected at startup, and optional file-based rotation.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, one notch below slog's own to leave room for Trace.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// Severity name strings accepted in configuration, mirroring the set the
// daemon's cfg package validates against.
const (
	SeverityTrace = "TRACE"
	SeverityDebug = "DEBUG"
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARNING"
	SeverityError = "ERROR"
	SeverityOff   = "OFF"
)

// Config selects the logger's destination, format, and rotation policy.
type Config struct {
	FilePath string // empty means stderr
	Format   string // "text" or "json"; anything else defaults to json
	Severity string

	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

type loggerFactory struct {
	level  *slog.LevelVar
	format string
	file   io.Writer
}

var defaultLoggerFactory = &loggerFactory{
	level:  levelVar(SeverityInfo),
	format: "json",
	file:   os.Stderr,
}

var defaultLogger = slog.New(defaultLoggerFactory.handler("dfused: "))

func levelVar(severity string) *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(severityToLevel(severity))
	return v
}

func severityToLevel(severity string) slog.Level {
	switch strings.ToUpper(severity) {
	case SeverityTrace:
		return LevelTrace
	case SeverityDebug:
		return LevelDebug
	case SeverityInfo:
		return LevelInfo
	case SeverityWarn:
		return LevelWarn
	case SeverityError:
		return LevelError
	case SeverityOff:
		return LevelOff
	default:
		return LevelInfo
	}
}

func (f *loggerFactory) handler(prefix string) slog.Handler {
	return f.createJsonOrTextHandler(f.file, f.level, prefix)
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "time"
				a.Value = slog.StringValue(a.Value.Time().Format("2006/01/02 15:04:05.000000"))
			case slog.LevelKey:
				a.Key = "severity"
				a.Value = slog.StringValue(levelName(a.Value.Any().(slog.Level)))
			case slog.MessageKey:
				a.Key = "message"
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
			return a
		},
	}
	if strings.EqualFold(f.format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func levelName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarn:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// SetConfig rebuilds the default logger from cfg, wiring file rotation via
// lumberjack when FilePath is set.
func SetConfig(c Config) error {
	level := levelVar(c.Severity)
	var w io.Writer = os.Stderr
	if c.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			Compress:   c.Compress,
		}
	}
	defaultLoggerFactory = &loggerFactory{level: level, format: c.Format, file: w}
	defaultLogger = slog.New(defaultLoggerFactory.handler("dfused: "))
	return nil
}

func setLoggingLevel(severity string, level *slog.LevelVar) {
	level.Set(severityToLevel(severity))
}

// SetLogFormat switches the default logger's output format at runtime.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.handler("dfused: "))
}

// ErrorLogger and DebugLogger bridge to stdlib *log.Logger for libraries
// (the FUSE transport) that only speak it; records land on the default
// handler at the corresponding level.
func ErrorLogger(prefix string) *log.Logger {
	return slog.NewLogLogger(defaultLoggerFactory.handler(prefix), LevelError)
}

func DebugLogger(prefix string) *log.Logger {
	if defaultLoggerFactory.level.Level() > LevelDebug {
		return nil
	}
	return slog.NewLogLogger(defaultLoggerFactory.handler(prefix), LevelDebug)
}

func Tracef(format string, args ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }
