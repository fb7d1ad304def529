package transport

import (
	"errors"
	"fmt"
)

// Common transport errors
var (
	// ErrTransport is matched by every TransportError.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout indicates a receive returned no data within the read timeout
	ErrTimeout = errors.New("receive timed out")

	// ErrClosed indicates the endpoint has been closed
	ErrClosed = errors.New("endpoint closed")

	// ErrPacketTooLarge indicates an outgoing datagram exceeds maxPacketSize
	ErrPacketTooLarge = errors.New("packet exceeds max packet size")

	// ErrNoRemote indicates a send was attempted with no remote address configured
	ErrNoRemote = errors.New("no remote address")
)

// TransportError reports a socket-level failure with the operation and
// address involved.
type TransportError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// newTransportError creates a new TransportError
func newTransportError(op, addr string, err error) *TransportError {
	return &TransportError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
