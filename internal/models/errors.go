package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a destination when the event to delete no longer exists.
	ErrNotFound = errors.New("event not found")

	// ErrPermanent marks a write rejection that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// AuthenticationError means a calendar service rejected the configured credentials.
type AuthenticationError struct {
	Service string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Service, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError means a calendar service could not be read.
type TransportError struct {
	Service string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WriteError records a create or delete that still failed after all retries.
type WriteError struct {
	Op            string // "create" or "delete"
	SourceUID     string
	DestinationID string
	Err           error
}

func (e *WriteError) Error() string {
	id := e.SourceUID
	if id == "" {
		id = e.DestinationID
	}
	return fmt.Sprintf("%s %s: %v", e.Op, id, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// UnreadableError reports a source object that could not be parsed. It does
// not abort a fetch: the object is skipped and counted.
type UnreadableError struct {
	Calendar string
	Path     string
	Err      error
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("unreadable object %s in %q: %v", e.Path, e.Calendar, e.Err)
}

func (e *UnreadableError) Unwrap() error { return e.Err }
