package creditgate

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (n *NoopLogger) Debug(string, ...Field) {}
func (n *NoopLogger) Info(string, ...Field)  {}
func (n *NoopLogger) Warn(string, ...Field)  {}
func (n *NoopLogger) Error(string, ...Field) {}
