// Package logger provides per-namespace structured logging for the host and
// for plugins. Every logger created from a Service shares the same sink and
// level; the namespace is attached as a field.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract handed to plugins and core services.
type Logger interface {
	Debug(message string, data ...interface{})
	Info(message string, data ...interface{})
	Warn(message string, data ...interface{})
	Error(message string, data ...interface{})
}

// Service creates namespaced loggers.
type Service struct {
	base *logrus.Logger
}

// New creates a logger service writing to out at the given level. Unknown
// levels fall back to info.
func New(level string, out io.Writer) *Service {
	if out == nil {
		out = os.Stdout
	}
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    true,
		DisableColors:    true,
		QuoteEmptyFields: true,
	})

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	return &Service{base: base}
}

// Create returns a logger whose entries carry the given namespace.
func (s *Service) Create(namespace string) Logger {
	return &entryLogger{entry: s.base.WithField("namespace", namespace)}
}

// SetLevel changes the level of every logger created by s.
func (s *Service) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	s.base.SetLevel(lvl)
	return nil
}

// Writer returns an io.Writer that logs each line at info level under the
// given namespace. It is used to route third-party loggers through the service.
func (s *Service) Writer(namespace string) *io.PipeWriter {
	return s.base.WithField("namespace", namespace).Writer()
}

type entryLogger struct {
	entry *logrus.Entry
}

func (l *entryLogger) with(data []interface{}) *logrus.Entry {
	switch len(data) {
	case 0:
		return l.entry
	case 1:
		if err, ok := data[0].(error); ok {
			return l.entry.WithError(err)
		}
		return l.entry.WithField("data", data[0])
	default:
		return l.entry.WithField("data", data)
	}
}

func (l *entryLogger) Debug(message string, data ...interface{}) {
	l.with(data).Debug(message)
}

func (l *entryLogger) Info(message string, data ...interface{}) {
	l.with(data).Info(message)
}

func (l *entryLogger) Warn(message string, data ...interface{}) {
	l.with(data).Warn(message)
}

func (l *entryLogger) Error(message string, data ...interface{}) {
	l.with(data).Error(message)
}

// Discard returns a service that drops everything. Handy in tests.
func Discard() *Service {
	return New("panic", io.Discard)
}
