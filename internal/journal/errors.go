package journal

import (
	"errors"
	"fmt"
)

var (
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	ErrClosed = errors.New("journal: already closed")

	ErrOutOfOrder = errors.New("journal: sequence out of order")
)

// CorruptionError reports the first unreadable or tampered event.
type CorruptionError struct {
	Line  int    // 1-based line number
	Seq   uint64 // Sequence number, when the line decoded
	Cause error  // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: line %d (seq %d): %v", e.Line, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
