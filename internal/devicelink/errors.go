package devicelink

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("device link closed")

// ErrNotConnected is returned by a probe when no connection exists.
var ErrNotConnected = errors.New("not connected")

// ConnectionError reports that the peripheral could not be discovered,
// connected or subscribed to. The supervision loop retries these.
type ConnectionError struct {
	Op      string // "connect" or "subscribe"
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a connect attempt or liveness probe
// exceeded its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool {
	return true
}
