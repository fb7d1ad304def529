package filter

import (
	"errors"
	"fmt"
)

var (
	// ErrConsumerRefused indicates the consumer declined the parameter sets.
	// Emission stops for the rest of the session.
	ErrConsumerRefused = errors.New("consumer refused parameter sets")

	// ErrNoBuffer indicates the consumer had no free buffer for an access
	// unit, which is then dropped.
	ErrNoBuffer = errors.New("no buffer available")

	// ErrBufferTooSmall indicates the acquired buffer cannot hold the
	// framed access unit.
	ErrBufferTooSmall = errors.New("access unit does not fit in buffer")

	// ErrConsumerCallback is the sentinel matched by ConsumerCallbackError.
	ErrConsumerCallback = errors.New("consumer callback failed")

	// ErrUnknownBuffer indicates a release for an index the exchange does
	// not know.
	ErrUnknownBuffer = errors.New("unknown buffer index")
)

// ConsumerCallbackError wraps a failure raised inside consumer code,
// whether returned as an error or recovered from a panic.
type ConsumerCallbackError struct {
	Callback string // name of the consumer method
	Err      error  // what the callback returned or panicked with
}

func (e *ConsumerCallbackError) Error() string {
	return fmt.Sprintf("consumer %s: %v", e.Callback, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConsumerCallbackError) Unwrap() error {
	return e.Err
}

// Is matches ErrConsumerCallback.
func (e *ConsumerCallbackError) Is(target error) bool {
	return target == ErrConsumerCallback
}
