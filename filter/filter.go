package filter

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/avstream/au"
	"github.com/opd-ai/avstream/h264"
	"github.com/sirupsen/logrus"
)

// DefaultPopWait bounds how long Run waits on an empty FIFO before checking
// for cancellation again.
const DefaultPopWait = 100 * time.Millisecond

// Config selects the filter's gating and stripping behaviour.
type Config struct {
	// WaitForSync holds output until parameter sets and a sync point have
	// been seen, and again after each discontinuity.
	WaitForSync bool
	// SyncOnParameterSets lets WaitForSync resume output on the first access
	// unit once parameter sets are known, without waiting for a sync point.
	// Decoders that conceal missing references can start earlier this way.
	SyncOnParameterSets bool
	// OutputIncompleteAU forwards access units with missing packets.
	OutputIncompleteAU bool
	// FilterOutSPSPPS removes parameter sets from delivered access units.
	FilterOutSPSPPS bool
	// FilterOutSEI removes SEI NAL units from delivered access units.
	FilterOutSEI bool
	// ReplaceStartCodesWithNaluSize writes 4-byte lengths instead of
	// Annex-B start codes.
	ReplaceStartCodesWithNaluSize bool
}

// State is the filter's synchronization state.
type State uint8

const (
	StateAwaitingSync State = iota
	StateSynced
)

func (s State) String() string {
	if s == StateSynced {
		return "synced"
	}
	return "awaiting-sync"
}

// Outcome is what happened to one access unit.
type Outcome uint8

const (
	OutcomeEmitted Outcome = iota
	OutcomeDroppedSync
	OutcomeDroppedIncomplete
	OutcomeDroppedEmpty
	OutcomeDroppedNoBuffer
	OutcomeDroppedTooLarge
	OutcomeDroppedClassification
	OutcomeDroppedCallback
	OutcomeRefused
)

var outcomeNames = [...]string{
	OutcomeEmitted:               "emitted",
	OutcomeDroppedSync:           "dropped-sync",
	OutcomeDroppedIncomplete:     "dropped-incomplete",
	OutcomeDroppedEmpty:          "dropped-empty",
	OutcomeDroppedNoBuffer:       "dropped-no-buffer",
	OutcomeDroppedTooLarge:       "dropped-too-large",
	OutcomeDroppedClassification: "dropped-classification",
	OutcomeDroppedCallback:       "dropped-callback",
	OutcomeRefused:               "refused",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Stats counts access units by outcome.
type Stats struct {
	Received              uint64
	Emitted               uint64
	DroppedSync           uint64
	DroppedIncomplete     uint64
	DroppedEmpty          uint64
	DroppedNoBuffer       uint64
	DroppedTooLarge       uint64
	DroppedClassification uint64
	DroppedCallback       uint64
	Refused               uint64
	ParameterDeliveries   uint64
}

// Filter gates, strips and delivers access units in capture order.
type Filter struct {
	cfg      Config
	exchange *Exchange
	strip    []h264.NALUType

	mu        sync.Mutex
	state     State
	params    ParameterSets
	delivered bool
	err       error
	stats     Stats
}

// NewFilter creates a filter delivering to consumer.
func NewFilter(cfg Config, consumer Consumer) *Filter {
	var strip []h264.NALUType
	if cfg.FilterOutSPSPPS {
		strip = append(strip, h264.NALUTypeSPS, h264.NALUTypePPS)
	}
	if cfg.FilterOutSEI {
		strip = append(strip, h264.NALUTypeSEI)
	}

	f := &Filter{
		cfg:      cfg,
		exchange: NewExchange(consumer, cfg.ReplaceStartCodesWithNaluSize),
		strip:    strip,
		state:    StateSynced,
	}
	if cfg.WaitForSync {
		f.state = StateAwaitingSync
	}
	return f
}

// Exchange returns the buffer exchange, through which the consumer releases
// buffers.
func (f *Filter) Exchange() *Exchange {
	return f.exchange
}

// State returns the current synchronization state.
func (f *Filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stats returns a snapshot of the counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Err returns the fatal error that stopped emission, if any.
func (f *Filter) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// ParameterSets returns the parameter sets currently in effect.
func (f *Filter) ParameterSets() (ParameterSets, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params, f.params.SPS != nil && f.params.PPS != nil
}

// Pause prepares the filter for an output restart: the consumer receives the
// parameter sets again before anything else, and with WaitForSync output
// resumes only at the next sync point. It must not run concurrently with
// Process.
func (f *Filter) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.delivered = false
	if f.cfg.WaitForSync {
		f.state = StateAwaitingSync
	}
}

// Attach replaces the consumer. Like Pause, the new consumer gets the
// parameter sets first. It must not run concurrently with Process.
func (f *Filter) Attach(consumer Consumer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exchange.attach(consumer)
	f.delivered = false
	if f.cfg.WaitForSync {
		f.state = StateAwaitingSync
	}
	logrus.WithFields(logrus.Fields{
		"function": "Filter.Attach",
	}).Info("Consumer attached")
}

// Process runs one access unit through the filter and reports its fate.
// Once the consumer has refused the parameter sets every call returns
// OutcomeRefused.
func (f *Filter) Process(a *au.AccessUnit) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Received++
	if f.err != nil {
		f.stats.Refused++
		return OutcomeRefused
	}

	if a.Discontinuity {
		f.params = ParameterSets{}
		f.delivered = false
		if f.cfg.WaitForSync && f.state != StateAwaitingSync {
			f.state = StateAwaitingSync
			logrus.WithFields(logrus.Fields{
				"function": "Filter.Process",
				"au_id":    a.ID,
			}).Info("Stream discontinuity, waiting for sync")
		}
	}

	if outcome, ok := f.captureParameters(a); !ok {
		return outcome
	}

	syncing := f.state == StateAwaitingSync
	if syncing && (!f.delivered || !(f.cfg.SyncOnParameterSets || a.SyncType.IsSyncPoint())) {
		f.stats.DroppedSync++
		return OutcomeDroppedSync
	}

	// A sync point that is not delivered does not synchronize the filter.
	if !a.Complete && !f.cfg.OutputIncompleteAU {
		f.stats.DroppedIncomplete++
		return OutcomeDroppedIncomplete
	}

	nalus := a.Without(f.strip...)
	if len(nalus) == 0 {
		f.stats.DroppedEmpty++
		return OutcomeDroppedEmpty
	}

	index, err := f.exchange.Deliver(a, nalus)
	if err != nil {
		outcome := f.deliveryFailure(err)
		logrus.WithFields(logrus.Fields{
			"function": "Filter.Process",
			"au_id":    a.ID,
			"outcome":  outcome.String(),
			"error":    err.Error(),
		}).Debug("Access unit not delivered")
		return outcome
	}

	if syncing {
		f.state = StateSynced
		logrus.WithFields(logrus.Fields{
			"function": "Filter.Process",
			"au_id":    a.ID,
			"sync":     a.SyncType.String(),
		}).Info("Synchronized")
	}
	f.stats.Emitted++
	logrus.WithFields(logrus.Fields{
		"function": "Filter.Process",
		"au_id":    a.ID,
		"index":    index,
		"sync":     a.SyncType.String(),
	}).Debug("Access unit delivered")
	return OutcomeEmitted
}

// captureParameters records SPS and PPS units carried by a and delivers a
// new complete pair to the consumer. ok is false when the consumer refused.
func (f *Filter) captureParameters(a *au.AccessUnit) (Outcome, bool) {
	changed := false
	for _, nalu := range a.NALUnits {
		switch nalu.Type {
		case h264.NALUTypeSPS:
			if !bytes.Equal(f.params.SPS, nalu.Data) {
				f.params.SPS = bytes.Clone(nalu.Data)
				changed = true
			}
		case h264.NALUTypePPS:
			if !bytes.Equal(f.params.PPS, nalu.Data) {
				f.params.PPS = bytes.Clone(nalu.Data)
				changed = true
			}
		}
	}

	if f.params.SPS == nil || f.params.PPS == nil || (f.delivered && !changed) {
		return OutcomeEmitted, true
	}

	f.stats.ParameterDeliveries++
	if err := f.exchange.ParametersReady(f.params); err != nil {
		f.err = err
		f.stats.Refused++
		logrus.WithFields(logrus.Fields{
			"function": "Filter.Process",
			"error":    err.Error(),
		}).Error("Consumer refused parameter sets, output stopped")
		return OutcomeRefused, false
	}
	f.delivered = true
	return OutcomeEmitted, true
}

func (f *Filter) deliveryFailure(err error) Outcome {
	switch {
	case errors.Is(err, h264.ErrClassification):
		f.stats.DroppedClassification++
		return OutcomeDroppedClassification
	case errors.Is(err, ErrNoBuffer):
		f.stats.DroppedNoBuffer++
		return OutcomeDroppedNoBuffer
	case errors.Is(err, ErrBufferTooSmall):
		f.stats.DroppedTooLarge++
		return OutcomeDroppedTooLarge
	default:
		f.stats.DroppedCallback++
		return OutcomeDroppedCallback
	}
}

// Run is the output loop: it pops access units from fifo in order and
// processes them until ctx is cancelled or the FIFO is closed and drained.
// It returns the consumer's refusal as a fatal error.
func (f *Filter) Run(ctx context.Context, fifo *au.FIFO, wait time.Duration) error {
	if wait <= 0 {
		wait = DefaultPopWait
	}

	logrus.WithFields(logrus.Fields{
		"function": "Filter.Run",
		"state":    f.State().String(),
	}).Info("Output loop started")

	for {
		a, err := fifo.Pop(ctx, wait)
		switch {
		case err == nil:
		case errors.Is(err, au.ErrEmpty):
			continue
		case errors.Is(err, au.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logrus.WithFields(logrus.Fields{
				"function": "Filter.Run",
				"reason":   err.Error(),
			}).Info("Output loop stopped")
			return nil
		default:
			return err
		}

		if f.Process(a) == OutcomeRefused {
			return f.Err()
		}
	}
}
