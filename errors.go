package eitticket

import (
	"errors"
	"fmt"
)

var (
	ErrManagerNil       = errors.New("ticket manager is nil")
	ErrInvalidType      = errors.New("invalid adapter type")
	ErrAdapterNil       = errors.New("ticket adapter is nil")
	ErrInvalidTicket    = errors.New("invalid ticket")
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrDuplicateTicket  = errors.New("duplicate ticket")
	ErrUnsupportedType  = errors.New("unsupported type")
	ErrEncodingTooLarge = errors.New("encoding too large")
	ErrMalformedFrame   = errors.New("malformed codec frame")
	ErrServiceMismatch  = errors.New("service does not match ticket")
	ErrReplicatorClosed = errors.New("replicator closed")
	ErrDuplicateRecord  = errors.New("duplicate trust record")
)

// DuplicateTicketError reports an add of an id that is already held by an
// unexpired ticket.
type DuplicateTicketError struct {
	ID string
}

func (e *DuplicateTicketError) Error() string {
	return fmt.Sprintf("ticket %q already exists", e.ID)
}

// Is matches ErrDuplicateTicket.
func (e *DuplicateTicketError) Is(target error) bool {
	return target == ErrDuplicateTicket
}

// UnsupportedTypeError reports a value the codec cannot represent.
type UnsupportedTypeError struct {
	Type string
	Path string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("codec: unsupported type %s", e.Type)
	}
	return fmt.Sprintf("codec: unsupported type %s at %s", e.Type, e.Path)
}

// Is matches ErrUnsupportedType.
func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

// EncodingTooLargeError reports that an encoded value does not fit the
// configured transport limit. Callers treat it as "cannot send this value
// on this path", not as a failure of the value itself.
type EncodingTooLargeError struct {
	Size  int
	Limit int
}

func (e *EncodingTooLargeError) Error() string {
	return fmt.Sprintf("encoded size %d exceeds limit %d", e.Size, e.Limit)
}

// Is matches ErrEncodingTooLarge.
func (e *EncodingTooLargeError) Is(target error) bool {
	return target == ErrEncodingTooLarge
}
