package avstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/avstream/au"
	"github.com/opd-ai/avstream/control"
	"github.com/opd-ai/avstream/filter"
	"github.com/opd-ai/avstream/rtp"
	"github.com/opd-ai/avstream/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxConsecutiveErrors is how many receive failures in a row, timeouts not
// counted, invalidate a session.
const maxConsecutiveErrors = 10

// SessionStats is a snapshot of the counters of every pipeline stage.
type SessionStats struct {
	State       State
	AppOutput   bool
	Reassembler rtp.Stats
	FIFO        au.FIFOStats
	Filter      filter.Stats
	ReportsSent uint64
	Resenders   int

	// Sender side liveness, as learned from the control channel.
	HasSenderReport  bool
	LastSenderReport control.SenderReportInfo
	PeerName         string
	GoodbyeReceived  bool
}

// Session receives one H.264 RTP stream and delivers its access units to a
// consumer. It runs three activities while started: ingestion (socket to
// reassembler to FIFO), control (RTCP reports) and app output (FIFO to
// filter to consumer). App output can be stopped and restarted on its own
// while the network side and resenders keep running.
type Session struct {
	cfg Config
	tp  rtp.TimeProvider

	endpoint    *transport.Endpoint
	fifo        *au.FIFO
	reassembler *rtp.Reassembler
	filter      *filter.Filter
	control     *control.Receiver

	// ops serializes Start, Stop, Dispose and the app output controls.
	ops    sync.Mutex
	life   lifecycle
	cancel context.CancelFunc
	group  *errgroup.Group
	out    *appOutput

	// outputOn mirrors out != nil for readers not holding ops.
	outputOn atomic.Bool

	errMu sync.Mutex
	err   error

	tapMu sync.Mutex
	taps  []*Resender
}

// New validates cfg and allocates every resource of a session: sockets,
// FIFO, reassembler, filter and control context. On failure everything
// already acquired is released.
//
// Parameters:
//   - cfg: session configuration, copied
//   - consumer: application side of the buffer exchange
//
// Returns:
//   - *Session: session in the Created state
//   - error: *ConfigError or *transport.TransportError
func New(cfg Config, consumer filter.Consumer) (*Session, error) {
	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"server_address": cfg.ServerAddress,
		"stream_port":    cfg.ClientStreamPort,
		"control_port":   cfg.ClientControlPort,
	}).Info("Creating stream session")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, &ConfigError{Field: "consumer", Reason: "required"}
	}

	fifo, err := au.NewFIFO(cfg.AUFifoSize)
	if err != nil {
		return nil, &ConfigError{Field: "AUFifoSize", Reason: err.Error()}
	}

	tp := cfg.TimeProvider
	if tp == nil {
		tp = rtp.DefaultTimeProvider{}
	}
	fifo.SetMaxAge(cfg.MaxLatency, tp.Now)

	endpoint, err := transport.NewEndpoint(transport.EndpointConfig{
		LocalStreamPort:   cfg.ClientStreamPort,
		LocalControlPort:  cfg.ClientControlPort,
		RemoteAddress:     cfg.ServerAddress,
		RemoteStreamPort:  cfg.ServerStreamPort,
		RemoteControlPort: cfg.ServerControlPort,
		MaxPacketSize:     cfg.MaxPacketSize,
		ReadTimeout:       cfg.ReadTimeout,
		ReceiveBufferSize: socketBufferSize(cfg.MaxNetworkLatency, cfg.MaxBitrate),
	})
	if err != nil {
		fifo.Close()
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"error":    err.Error(),
		}).Error("Failed to create transport endpoint")
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		tp:       tp,
		endpoint: endpoint,
		fifo:     fifo,
		reassembler: rtp.NewReassembler(rtp.ReassemblerConfig{
			MaxLatency:        cfg.MaxLatency,
			MaxNetworkLatency: cfg.MaxNetworkLatency,
			MaxBitrate:        cfg.MaxBitrate,
			DropPolicy:        cfg.DropPolicy,
			DiscontinuityGap:  cfg.DiscontinuityGap,
			TimeProvider:      tp,
		}),
		filter:  filter.NewFilter(cfg.Filter, consumer),
		control: control.NewReceiver(control.ReceiverConfig{MaxBitrate: cfg.MaxBitrate}),
	}
	return s, nil
}

// Start launches the session's activities. It requires a valid session in
// the Created state.
func (s *Session) Start() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if _, err := s.life.transition("start", StateRunning, StateCreated); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g

	g.Go(func() error { return s.ingest(gctx) })
	g.Go(func() error { return s.controlLoop(gctx) })
	s.out = s.runOutput()

	logrus.WithFields(logrus.Fields{
		"function":    "Session.Start",
		"stream_addr": s.endpoint.LocalStreamAddr().String(),
	}).Info("Session started")
	return nil
}

// Stop cancels the activities and waits for them to exit, then stops every
// resender. Stopping a stopped session is a no-op; a session that was never
// started goes straight to Stopped.
func (s *Session) Stop() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	prev, err := s.life.beginStop("stop")
	if err != nil {
		return err
	}
	if prev == StateStopping || prev == StateStopped {
		return nil
	}

	if prev == StateRunning {
		s.cancel()
		s.stopOutput()
		s.fifo.Close()
		if err := s.group.Wait(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Stop",
				"error":    err.Error(),
			}).Warn("Session activity ended with error")
		}
	}

	for _, r := range s.resenders() {
		if err := r.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Stop",
				"error":    err.Error(),
			}).Warn("Failed to stop resender")
		}
	}

	s.life.set(StateStopped)
	logrus.WithFields(logrus.Fields{
		"function": "Session.Stop",
	}).Info("Session stopped")
	return nil
}

// Dispose releases the session's sockets and disposes its resenders. It is
// only allowed before Start or after Stop; otherwise a *LifecycleError is
// returned and nothing is released.
func (s *Session) Dispose() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if _, err := s.life.transition("dispose", StateDisposed, StateCreated, StateStopped); err != nil {
		return err
	}

	for _, r := range s.resenders() {
		_ = r.Stop()
		if err := r.Dispose(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Dispose",
				"error":    err.Error(),
			}).Warn("Failed to dispose resender")
		}
	}

	s.fifo.Close()
	err := s.endpoint.Close()
	logrus.WithFields(logrus.Fields{
		"function": "Session.Dispose",
	}).Info("Session disposed")
	return err
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.life.get()
}

// Valid reports whether the session can still do work: it has not failed
// and has not been disposed.
func (s *Session) Valid() bool {
	return s.Err() == nil && s.State() != StateDisposed
}

// Err returns the failure that invalidated the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
		logrus.WithFields(logrus.Fields{
			"function": "Session.fail",
			"error":    err.Error(),
		}).Error("Session invalidated")
	}
}

// LocalStreamAddr returns the address the session receives media on.
func (s *Session) LocalStreamAddr() net.Addr {
	return s.endpoint.LocalStreamAddr()
}

// LocalControlAddr returns the address the session receives reports on.
func (s *Session) LocalControlAddr() net.Addr {
	return s.endpoint.LocalControlAddr()
}

// Exchange returns the buffer exchange through which the consumer releases
// delivered buffers.
func (s *Session) Exchange() *filter.Exchange {
	return s.filter.Exchange()
}

// ParameterSets returns the SPS and PPS currently in effect for the stream.
// ok is false until both have been received, and again after a
// discontinuity until the new stream supplies them.
func (s *Session) ParameterSets() (filter.ParameterSets, bool) {
	return s.filter.ParameterSets()
}

// Stats returns a snapshot of the pipeline counters.
func (s *Session) Stats() SessionStats {
	stats := SessionStats{
		State:           s.State(),
		AppOutput:       s.outputOn.Load(),
		Reassembler:     s.reassembler.Stats(),
		FIFO:            s.fifo.Stats(),
		Filter:          s.filter.Stats(),
		ReportsSent:     s.control.ReportsSent(),
		Resenders:       len(s.resenders()),
		PeerName:        s.control.PeerName(),
		GoodbyeReceived: s.control.GoodbyeReceived(),
	}
	stats.LastSenderReport, stats.HasSenderReport = s.control.LastSenderReport()
	return stats
}

// Monitoring summarizes reception over the window ending at the most recent
// packet. A zero window covers all retained packets.
func (s *Session) Monitoring(window time.Duration) (rtp.Monitoring, error) {
	if st := s.State(); st == StateDisposed {
		return rtp.Monitoring{}, &LifecycleError{Op: "monitoring", State: st}
	}
	m, ok := s.reassembler.Monitor().Compute(window)
	if !ok {
		return rtp.Monitoring{}, ErrNoMonitoringData
	}
	return m, nil
}

// ingest reads stream datagrams, reassembles them and queues the resulting
// access units.
func (s *Session) ingest(ctx context.Context) error {
	buf := make([]byte, s.cfg.MaxPacketSize)
	failures := 0

	for ctx.Err() == nil {
		n, _, err := s.endpoint.ReceiveStream(buf)
		now := s.tp.Now()
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrTimeout):
				s.enqueue(s.reassembler.Expire(now))
				continue
			case errors.Is(err, transport.ErrClosed):
				return nil
			}

			failures++
			logrus.WithFields(logrus.Fields{
				"function": "Session.ingest",
				"failures": failures,
				"error":    err.Error(),
			}).Warn("Stream receive failed")
			if failures >= maxConsecutiveErrors {
				s.fail(err)
				return err
			}
			continue
		}
		failures = 0

		units, err := s.reassembler.Push(buf[:n], now)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.ingest",
				"size":     n,
				"error":    err.Error(),
			}).Debug("Dropping datagram")
		}
		s.enqueue(units)
		s.enqueue(s.reassembler.Expire(now))
	}

	s.enqueue(s.reassembler.Flush())
	return nil
}

// enqueue pushes units to the FIFO and offers them to every resender.
func (s *Session) enqueue(units []*au.AccessUnit) {
	if len(units) == 0 {
		return
	}
	taps := s.resenders()
	for _, a := range units {
		if old := s.fifo.Push(a); old != nil && old != a {
			logrus.WithFields(logrus.Fields{
				"function": "Session.enqueue",
				"au_id":    old.ID,
			}).Debug("FIFO full, oldest access unit evicted")
		}
		for _, r := range taps {
			r.offer(a)
		}
	}
}

// controlLoop processes incoming sender reports and answers with receiver
// reports at the RTCP rate.
func (s *Session) controlLoop(ctx context.Context) error {
	buf := make([]byte, s.cfg.MaxPacketSize)
	var next time.Time

	for ctx.Err() == nil {
		n, _, err := s.endpoint.ReceiveControl(buf)
		now := s.tp.Now()
		switch {
		case err == nil:
			if err := s.control.ProcessCompound(buf[:n], now); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Session.controlLoop",
					"error":    err.Error(),
				}).Warn("Ignoring malformed control packet")
			}
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrClosed):
			return nil
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Session.controlLoop",
				"error":    err.Error(),
			}).Warn("Control receive failed")
		}

		if now.Before(next) || !s.control.HasSenderReport() {
			continue
		}
		report, err := s.control.BuildReport(now, s.reassembler.Stats())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.controlLoop",
				"error":    err.Error(),
			}).Warn("Failed to build receiver report")
			continue
		}
		if err := s.endpoint.SendControl(report); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.controlLoop",
				"error":    err.Error(),
			}).Warn("Failed to send receiver report")
		}
		next = now.Add(s.control.NextReportDelay(len(report)))
	}
	return nil
}

// appOutput is a running output activity.
type appOutput struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// runOutput starts driving the filter from the FIFO. A consumer refusal
// invalidates the session and stops the network side with it. Callers hold
// s.ops.
func (s *Session) runOutput() *appOutput {
	ctx, cancel := context.WithCancel(context.Background())
	out := &appOutput{cancel: cancel, done: make(chan struct{})}
	stopNetwork := s.cancel

	go func() {
		defer close(out.done)
		if err := s.filter.Run(ctx, s.fifo, s.cfg.ReadTimeout); err != nil {
			s.fail(err)
			stopNetwork()
		}
	}()
	s.outputOn.Store(true)
	return out
}

// stopOutput ends the output activity and waits for it. It reports whether
// one was running. Callers hold s.ops.
func (s *Session) stopOutput() bool {
	if s.out == nil {
		return false
	}
	s.out.cancel()
	<-s.out.done
	s.out = nil
	s.outputOn.Store(false)
	return true
}

// StartAppOutput resumes delivery to the application after StopAppOutput.
// A non-nil consumer replaces the current one. Units queued while output
// was stopped are dropped, and the consumer receives the parameter sets
// again before any access unit.
func (s *Session) StartAppOutput(consumer filter.Consumer) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if st := s.State(); st != StateRunning {
		return &LifecycleError{Op: "start app output", State: st}
	}
	if s.out != nil {
		return ErrAppOutputRunning
	}

	if consumer != nil {
		s.filter.Attach(consumer)
	}
	dropped := s.fifo.Flush()
	s.out = s.runOutput()

	logrus.WithFields(logrus.Fields{
		"function": "Session.StartAppOutput",
		"dropped":  dropped,
		"attached": consumer != nil,
	}).Info("App output started")
	return nil
}

// StopAppOutput stops delivery to the application and waits until no
// consumer callback is in progress. Reception, control and resenders keep
// running. Stopping a stopped output is a no-op.
func (s *Session) StopAppOutput() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if st := s.State(); st == StateDisposed {
		return &LifecycleError{Op: "stop app output", State: st}
	}
	if !s.stopOutput() {
		return nil
	}
	s.filter.Pause()

	logrus.WithFields(logrus.Fields{
		"function": "Session.StopAppOutput",
	}).Info("App output stopped")
	return nil
}

func (s *Session) resenders() []*Resender {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	return append([]*Resender(nil), s.taps...)
}

func (s *Session) addTap(r *Resender) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	s.taps = append(s.taps, r)
}

func (s *Session) removeTap(r *Resender) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	for i, t := range s.taps {
		if t == r {
			s.taps = append(s.taps[:i], s.taps[i+1:]...)
			return
		}
	}
}
