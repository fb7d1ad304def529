package filter

import (
	"time"

	"github.com/opd-ai/avstream/h264"
)

// Buffer is a consumer-owned memory region the pipeline may fill. The
// pipeline never retains Data beyond a delivery.
type Buffer struct {
	Index int
	Data  []byte
}

// ParameterSets holds the stream's current SPS and PPS NAL units.
type ParameterSets struct {
	SPS []byte
	PPS []byte
}

// Consumer is the application side of the buffer exchange.
//
// All methods are called from the session's output goroutine and must not
// block. A panic in any of them is recovered and treated as a failed
// delivery. Callbacks may release buffers through the Exchange but must not
// call into the Filter.
type Consumer interface {
	// ParametersReady announces new parameter sets. The consumer answers
	// with the buffers it makes available; a nil set or an error refuses
	// the stream.
	ParametersReady(sps, pps []byte) ([]Buffer, error)

	// AcquireBuffer returns the index of a free buffer, or false when none
	// is available. It must not wait for one.
	AcquireBuffer() (int, bool)

	// BufferReady hands a filled buffer to the consumer. written is the
	// number of bytes filled. The buffer stays pending until the consumer
	// releases it through Exchange.Release.
	BufferReady(index, written int, capture, shifted time.Duration, sync h264.SyncType) error
}
