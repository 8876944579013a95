package logger

import (
	"github.com/sirupsen/logrus"
)

// Logger backed by logrus.
type Logrus struct {
	entry *logrus.Entry
}

// Wraps a logrus logger.
func NewLogrus(l *logrus.Logger) Logger {
	return &Logrus{entry: logrus.NewEntry(l)}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Info(msg)
}

// Pairs up keys and values. Non-string keys and a dangling key are dropped.
func argsToFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
