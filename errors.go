package vidcomp

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error taxonomy. Every failure surfaced by a session matches exactly one
// of these with errors.Is.
var (
	// ErrSource indicates an open, seek or read failure of a sample source.
	ErrSource = errors.New("source error")

	// ErrDecode indicates a codec fault reported by a decode pipeline.
	ErrDecode = errors.New("decode error")

	// ErrProtocolViolation indicates a programming error such as releasing
	// a frame twice or an encoder reporting its format twice.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrResourceExhausted indicates a bounded pool or buffer limit was hit.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Lifecycle errors.
var (
	ErrNoVideoTrack     = errors.New("no playable video track")
	ErrNotPrepared      = errors.New("not prepared")
	ErrNotConfigured    = errors.New("not configured")
	ErrReleased         = errors.New("already released")
	ErrAlreadyStarted   = errors.New("already started")
	ErrClosed           = errors.New("closed")
	ErrBarrierTimeout   = errors.New("readiness barrier timed out")
	ErrCodecUnavailable = errors.New("codec not available")
)

// Composition validation errors.
var (
	ErrInvalidComposition = errors.New("invalid composition")
	ErrInvalidOptions     = errors.New("invalid export options")
)

// ItemError wraps a failure scoped to one composition item.
type ItemError struct {
	ItemID string
	Op     string
	Kind   error // one of ErrSource, ErrDecode, ErrProtocolViolation, ErrResourceExhausted
	Err    error
}

func (e *ItemError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("item %q: %s: %v", e.ItemID, e.Op, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("item %q: %s: %v", e.ItemID, e.Op, e.Err)
	}
	return fmt.Sprintf("item %q: %s: %v: %v", e.ItemID, e.Op, e.Kind, e.Err)
}

func (e *ItemError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func itemError(itemID, op string, kind, err error) error {
	var ie *ItemError
	if errors.As(err, &ie) && ie.ItemID == itemID {
		return err
	}
	if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrResourceExhausted) {
		switch {
		case errors.Is(err, ErrProtocolViolation):
			kind = ErrProtocolViolation
		default:
			kind = ErrResourceExhausted
		}
	}
	return &ItemError{ItemID: itemID, Op: op, Kind: kind, Err: err}
}

// protocolViolation builds an ErrProtocolViolation carrying a stack trace.
func protocolViolation(format string, args ...any) error {
	return pkgerrors.WithStack(fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...)))
}

func resourceExhausted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}
