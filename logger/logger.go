package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields so callers never import logrus directly.
type Fields map[string]interface{}

// Log is the process logger. It embeds logrus so level, output and hooks
// are managed the usual way.
type Log struct {
	*logrus.Logger
}

// Entry is a logrus entry that keeps the warn and error counters current.
type Entry struct {
	*logrus.Entry
}

const levelReport = "report"

var globalLogger = Logger()

// Logger builds a JSON logger whose level comes from LOG_LEVEL (default info).
func Logger() *Log {
	l := logrus.New()
	l.SetReportCaller(true)
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})

	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &Log{Logger: l}
}

func GetLogger() *Log {
	return globalLogger
}

// parseLevel accepts the logrus level names plus "report", which runs at info
// and turns on the periodic runtime report. Empty means info.
func parseLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "", levelReport:
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339,
		CallerPrettyfier: callerPrettyfier,
	}
}

// Configure applies the logging section of the configuration. LOG_LEVEL, when
// set, wins over level.
func (l *Log) Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}

	var formatter logrus.Formatter
	switch format {
	case "json", "":
		formatter = jsonFormatter()
	case "text":
		formatter = textFormatter()
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	w, err := openOutput(output, maxAge)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetOutput(w)
	l.SetReportCaller(true)
	return nil
}

// openOutput resolves stdout, stderr or a file path. Files rotate through
// lumberjack when maxAge (days) is positive.
func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return file, nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

// Metric returns an entry carrying the standard metric fields on top of
// fields. An empty metricType means counter.
func (l *Log) Metric(component, name string, value interface{}, metricType string, fields Fields) *Entry {
	if metricType == "" {
		metricType = "counter"
	}
	merged := make(Fields, len(fields)+3)
	for k, v := range fields {
		merged[k] = v
	}
	merged["metric"] = name
	merged["metric_type"] = metricType
	merged["value"] = value
	return l.WithComponent(component).WithFields(merged)
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{Entry: e.Entry.WithField(key, value)}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) component() string {
	c, _ := e.Entry.Data["component"].(string)
	return c
}

func (e *Entry) Warn(args ...interface{}) {
	if c := e.component(); c != "" {
		recordWarn(c)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if c := e.component(); c != "" {
		recordError(c)
	}
	e.Entry.Error(args...)
}
