package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMailboxNotFound reports a marker write for a mailbox key with no record.
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMessageGone reports a UID that disappeared between search and fetch.
	ErrMessageGone = errors.New("message no longer exists")
)

// TransportError is a connection, authentication or protocol failure.
// It always ends the current mailbox connection.
type TransportError struct {
	Op   string
	Auth bool
	Err  error
}

func (e *TransportError) Error() string {
	if e.Auth {
		return fmt.Sprintf("imap %s: authentication rejected: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExtractionError reports a message whose MIME structure cannot be read.
type ExtractionError struct {
	UID uint32
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract message %d: %v", e.UID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// DeliveryError is a failed send of one attachment to one target.
type DeliveryError struct {
	Target   Target
	Filename string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %d: %v", e.Filename, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// MarkerStoreError reports that the marker for a mailbox could not be read or written.
type MarkerStoreError struct {
	Key string
	Op  string
	Err error
}

func (e *MarkerStoreError) Error() string {
	return fmt.Sprintf("marker %s for %s: %v", e.Op, e.Key, e.Err)
}

func (e *MarkerStoreError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is a rejected login.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Auth
}
