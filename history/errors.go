package history

import "github.com/cockroachdb/errors"

var (
	// ErrClosed is returned by every mutating operation once Close has been called
	ErrClosed = errors.New("synchronization history is closed")
	// ErrSequenceOrder is returned by Send when the sequence number does not follow the newest memento
	// of the property
	ErrSequenceOrder = errors.New("sequence number does not follow the newest memento")
	// ErrMissingCollaborator is returned when a Context lacks the Source or Encoder an operation needs
	ErrMissingCollaborator = errors.New("sync context is missing a source or encoder")
)
