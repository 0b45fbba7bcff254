package sink

import (
	"errors"
	"fmt"
)

var (
	ErrEncode    = errors.New("encode record")
	ErrNoBackend = errors.New("no backend reachable")
)

type EncodeError struct {
	TransactionID string
	Err           error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode record %s: %v", e.TransactionID, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func (e *EncodeError) Is(target error) bool {
	return target == ErrEncode
}

// TransportError reports a failed transmit. Code is the HTTP status returned
// by the sink, or 0 when no response was received at all.
type TransportError struct {
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("sink transport: %v", e.Err)
	}
	return fmt.Sprintf("sink transport: status %d: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrNoBackend && e.Code == 0
}
