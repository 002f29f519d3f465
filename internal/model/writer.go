package model

// Writer defines a generic interface for a session sink.
type Writer interface {
	// Name identifies the writer in logs and metrics.
	Name() string

	// Write appends sessions in the order given. Implementations must not
	// reorder or filter them.
	Write(sessions []Session) error

	// Close flushes buffered output and releases the sink.
	Close() error
}
