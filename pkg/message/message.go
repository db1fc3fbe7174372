// Package message defines the typed values exchanged over a connection.
//
// Message is a closed tagged union: every variant is a distinct Go type
// implementing the unexported isMessage marker. Containers nest other
// messages. Conversion to the wire representation lives in package codec.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidLength indicates a fixed-size payload of the wrong length.
var ErrInvalidLength = errors.New("invalid length")

// Message is one value of the tagged union.
type Message interface {
	isMessage()
}

// Null is the empty value.
type Null struct{}

func (Null) isMessage() {}

// Bool is a boolean value.
type Bool bool

func (Bool) isMessage() {}

// Int64 is a signed 64-bit integer.
type Int64 int64

func (Int64) isMessage() {}

// Uint64 is an unsigned 64-bit integer.
type Uint64 uint64

func (Uint64) isMessage() {}

// Double is an IEEE-754 binary64 value.
type Double float64

func (Double) isMessage() {}

// String is a text value.
type String string

func (String) isMessage() {}

// Data is an opaque byte sequence.
type Data []byte

func (Data) isMessage() {}

// UUID is a 128-bit identifier.
type UUID uuid.UUID

func (UUID) isMessage() {}

// NewUUID builds a UUID from exactly 16 bytes.
func NewUUID(b []byte) (UUID, error) {
	if len(b) != 16 {
		return UUID{}, fmt.Errorf("uuid: %w: got %d bytes, want 16", ErrInvalidLength, len(b))
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return UUID{}, fmt.Errorf("uuid: %w", ErrInvalidLength)
	}
	return UUID(u), nil
}

// Bytes returns a copy of the identifier bytes.
func (u UUID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	return b
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// Date is an instant relative to the UNIX epoch. Instants before the
// epoch are valid. Only instants whose nanosecond offset from the epoch
// fits an int64 (roughly years 1678 to 2262) can be sent; the zero Date
// cannot.
type Date struct {
	time.Time
}

func (Date) isMessage() {}

// NewDate wraps t.
func NewDate(t time.Time) Date {
	return Date{Time: t}
}

// Fd is a raw process-local descriptor. The core never closes it: the
// sender keeps the descriptor it passed to Send, and a received Fd is a
// fresh duplicate owned by the receiver.
type Fd int

func (Fd) isMessage() {}

// Array is an ordered sequence of messages.
type Array []Message

func (Array) isMessage() {}

// Dictionary maps non-empty keys to messages. Iteration order is not
// preserved across the wire.
type Dictionary map[string]Message

func (Dictionary) isMessage() {}

// ErrorKind discriminates synthesized lifecycle errors.
type ErrorKind int

const (
	ErrorGeneric ErrorKind = iota
	ErrorConnectionInterrupted
	ErrorConnectionInvalidated
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorConnectionInterrupted:
		return "connection interrupted"
	case ErrorConnectionInvalidated:
		return "connection invalidated"
	default:
		return "generic error"
	}
}

// Error is synthesized locally to report a connection lifecycle event.
// It is never sent over the wire.
type Error struct {
	Kind ErrorKind
}

func (Error) isMessage() {}

func (e Error) Error() string {
	return e.Kind.String()
}

// IsInterrupted reports whether m is the interruption notification.
func IsInterrupted(m Message) bool {
	e, ok := m.(Error)
	return ok && e.Kind == ErrorConnectionInterrupted
}
