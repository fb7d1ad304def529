package filter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/avstream/au"
	"github.com/opd-ai/avstream/h264"
	"github.com/sirupsen/logrus"
)

type bufferState uint8

const (
	bufferFree bufferState = iota
	bufferPending
)

// Exchange runs the buffer handoff with a Consumer: parameter delivery,
// acquisition, fill and ready notification.
//
// An index is pending from BufferReady until the consumer releases it. The
// exchange never fills a pending index, even if the consumer offers it
// again through AcquireBuffer.
type Exchange struct {
	mu       sync.Mutex
	consumer Consumer
	avcc     bool

	buffers map[int][]byte
	state   map[int]bufferState
}

// NewExchange creates an exchange. With avcc set, NAL units are written with
// 4-byte length prefixes instead of Annex-B start codes.
func NewExchange(consumer Consumer, avcc bool) *Exchange {
	return &Exchange{
		consumer: consumer,
		avcc:     avcc,
		buffers:  make(map[int][]byte),
		state:    make(map[int]bufferState),
	}
}

func (e *Exchange) current() Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumer
}

// attach hands the exchange to a new consumer. Buffers lent by the previous
// one are forgotten, so their indices are unknown until the new consumer
// offers buffers with the next parameter sets.
func (e *Exchange) attach(consumer Consumer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumer = consumer
	e.buffers = make(map[int][]byte)
	e.state = make(map[int]bufferState)
}

// ParametersReady delivers parameter sets and registers the buffers the
// consumer offers in return. Indices still pending keep that state.
func (e *Exchange) ParametersReady(ps ParameterSets) error {
	var buffers []Buffer
	err := safeCall("ParametersReady", func() error {
		var err error
		buffers, err = e.current().ParametersReady(ps.SPS, ps.PPS)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConsumerRefused, err)
	}
	if buffers == nil {
		return fmt.Errorf("%w: no buffers offered", ErrConsumerRefused)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[int][]byte, len(buffers))
	state := make(map[int]bufferState, len(buffers))
	for _, b := range buffers {
		next[b.Index] = b.Data
		state[b.Index] = e.state[b.Index]
	}
	e.buffers = next
	e.state = state

	logrus.WithFields(logrus.Fields{
		"function": "Exchange.ParametersReady",
		"sps_size": len(ps.SPS),
		"pps_size": len(ps.PPS),
		"buffers":  len(buffers),
	}).Info("Parameter sets delivered")
	return nil
}

// Deliver writes nalus, the filtered contents of a, into a consumer buffer
// and announces it. On any failure the access unit is dropped and the
// acquired index, if any, is left free.
//
// Parameters:
//   - a: access unit providing timestamps and sync type
//   - nalus: NAL units to write, in order
//
// Returns:
//   - int: index of the filled buffer
//   - error: *h264.ClassificationError, ErrNoBuffer, ErrBufferTooSmall or
//     *ConsumerCallbackError
func (e *Exchange) Deliver(a *au.AccessUnit, nalus []au.NALUnit) (int, error) {
	if err := h264.CheckSyncType(a.SyncType); err != nil {
		return -1, err
	}

	var (
		index int
		ok    bool
	)
	err := safeCall("AcquireBuffer", func() error {
		index, ok = e.current().AcquireBuffer()
		return nil
	})
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, ErrNoBuffer
	}

	data, err := e.fill(index, nalus)
	if err != nil {
		return -1, err
	}

	err = safeCall("BufferReady", func() error {
		return e.current().BufferReady(index, len(data), a.CaptureTimestamp, a.ShiftedTimestamp, a.SyncType)
	})
	if err != nil {
		// The consumer did not take the buffer.
		e.setState(index, bufferFree)
		return -1, err
	}
	return index, nil
}

// fill writes nalus into the buffer at index and marks it pending.
func (e *Exchange) fill(index int, nalus []au.NALUnit) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, known := e.buffers[index]
	if !known || e.state[index] == bufferPending {
		logrus.WithFields(logrus.Fields{
			"function": "Exchange.fill",
			"index":    index,
			"known":    known,
		}).Warn("Consumer offered a buffer that is not free")
		return nil, ErrNoBuffer
	}

	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu.Data)
	}
	if size > len(buf) {
		return nil, fmt.Errorf("%w: need %d bytes, buffer %d holds %d", ErrBufferTooSmall, size, index, len(buf))
	}

	var data []byte
	if e.avcc {
		data = au.AppendAVCC(buf[:0], nalus)
	} else {
		data = au.AppendAnnexB(buf[:0], nalus)
	}
	e.state[index] = bufferPending
	return data, nil
}

// Release returns a pending buffer to the pipeline once the consumer is
// done with it. It is safe to call from any goroutine.
func (e *Exchange) Release(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.buffers[index]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, index)
	}
	e.state[index] = bufferFree
	return nil
}

// Pending returns the number of buffers held by the consumer.
func (e *Exchange) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, s := range e.state {
		if s == bufferPending {
			n++
		}
	}
	return n
}

// IsPending reports whether index is held by the consumer.
func (e *Exchange) IsPending(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state[index] == bufferPending
}

func (e *Exchange) setState(index int, s bufferState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buffers[index]; ok {
		e.state[index] = s
	}
}

// safeCall runs a consumer callback and converts both returned errors and
// panics into a ConsumerCallbackError.
func safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok {
				perr = fmt.Errorf("panic: %v", r)
			}
			err = &ConsumerCallbackError{Callback: name, Err: perr}
			logrus.WithFields(logrus.Fields{
				"function": "safeCall",
				"callback": name,
				"panic":    r,
			}).Error("Consumer callback panicked")
		}
	}()

	if err := fn(); err != nil {
		var cbErr *ConsumerCallbackError
		if errors.As(err, &cbErr) {
			return err
		}
		return &ConsumerCallbackError{Callback: name, Err: err}
	}
	return nil
}
