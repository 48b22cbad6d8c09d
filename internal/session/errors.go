package session

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the messaging session. It is decided once, in
// the client adapter, so callers never inspect error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionClosed
	KindNotFound
	KindPermissionDenied
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindSessionClosed:
		return "session_closed"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

var (
	ErrNotReady          = errors.New("WhatsApp client is not ready")
	ErrAttemptsExhausted = errors.New("maximum connection attempts reached")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrNotReady) {
		return KindNotReady
	}
	return KindUnknown
}

func IsSessionClosed(err error) bool { return KindOf(err) == KindSessionClosed }
