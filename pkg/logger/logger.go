package logger

// Leveled, structured logging. Arguments after the message alternate keys
// and values; *slog.Logger satisfies Logger as is.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// No-op logger.
type Discard struct{}

func (Discard) Error(string, ...any) {}
func (Discard) Warn(string, ...any)  {}
func (Discard) Info(string, ...any)  {}

// Returns l, or a Discard if l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard{}
	}
	return l
}
