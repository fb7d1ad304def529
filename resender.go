package avstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/avstream/au"
	"github.com/opd-ai/avstream/control"
	"github.com/opd-ai/avstream/rtp"
	"github.com/opd-ai/avstream/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ResenderStats is a snapshot of a resender's counters.
type ResenderStats struct {
	State State
	SSRC  uint32

	AUsOffered      uint64
	AUsSent         uint64
	AUsShaped       uint64
	AUsIncomplete   uint64
	AUsLate         uint64
	PacketsSent     uint64
	PacketsDropped  uint64
	PacketsFailed   uint64
	BytesSent       uint64
	SenderReports   uint64
	FIFO            au.FIFOStats
	ReceiverReport  control.ReceiverReportInfo
	HasReceiverInfo bool
}

// Resender forwards the access units of a session to another client,
// re-fragmented to its own packet size and paced to its own bitrate.
type Resender struct {
	cfg     ResenderConfig
	tp      rtp.TimeProvider
	session *Session

	endpoint   *transport.Endpoint
	fifo       *au.FIFO
	packetizer *rtp.Packetizer
	shaper     *rtp.Shaper
	control    *control.Sender

	// ops serializes Start, Stop and Dispose.
	ops    sync.Mutex
	life   lifecycle
	cancel context.CancelFunc
	group  *errgroup.Group

	mu         sync.Mutex
	stats      ResenderStats
	lastRTP    uint32
	lastSentAt time.Time
}

// NewResender creates a resender fed by every access unit the session
// reassembles. The resender starts in the Created state and ignores units
// until started.
func (s *Session) NewResender(cfg ResenderConfig) (*Resender, error) {
	logrus.WithFields(logrus.Fields{
		"function":       "Session.NewResender",
		"client_address": cfg.ClientAddress,
		"client_port":    cfg.ClientStreamPort,
	}).Info("Creating resender")

	if !s.Valid() {
		return nil, ErrInvalidSession
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fifo, err := au.NewFIFO(cfg.AUFifoSize)
	if err != nil {
		return nil, &ConfigError{Field: "AUFifoSize", Reason: err.Error()}
	}
	fifo.SetMaxAge(cfg.MaxLatency, s.tp.Now)

	packetizer, err := rtp.NewPacketizer(cfg.TargetPacketSize, 0)
	if err != nil {
		return nil, &ConfigError{Field: "TargetPacketSize", Reason: err.Error()}
	}

	endpoint, err := transport.NewEndpoint(transport.EndpointConfig{
		LocalStreamPort:   cfg.ServerStreamPort,
		LocalControlPort:  cfg.ServerControlPort,
		RemoteAddress:     cfg.ClientAddress,
		RemoteStreamPort:  cfg.ClientStreamPort,
		RemoteControlPort: cfg.ClientControlPort,
		MaxPacketSize:     cfg.MaxPacketSize,
		ReadTimeout:       s.cfg.ReadTimeout,
		SendBufferSize:    socketBufferSize(cfg.MaxNetworkLatency, cfg.MaxBitrate),
	})
	if err != nil {
		fifo.Close()
		return nil, err
	}

	r := &Resender{
		cfg:        cfg,
		tp:         s.tp,
		session:    s,
		endpoint:   endpoint,
		fifo:       fifo,
		packetizer: packetizer,
		shaper:     rtp.NewShaper(cfg.MaxBitrate, rtp.DropNonReference),
		control:    control.NewSender(control.SenderConfig{MaxBitrate: cfg.MaxBitrate, SSRC: packetizer.SSRC()}),
	}
	r.stats.SSRC = packetizer.SSRC()
	s.addTap(r)
	return r, nil
}

// Start launches the send and control activities.
func (r *Resender) Start() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	if _, err := r.life.transition("start", StateRunning, StateCreated); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.group = g

	g.Go(func() error { return r.sendLoop(gctx) })
	g.Go(func() error { return r.controlLoop(gctx) })

	logrus.WithFields(logrus.Fields{
		"function": "Resender.Start",
		"ssrc":     r.packetizer.SSRC(),
		"remote":   r.endpoint.RemoteStreamAddr().String(),
	}).Info("Resender started")
	return nil
}

// Stop ends the activities, then announces the end of the stream with an
// RTCP BYE. It is idempotent.
func (r *Resender) Stop() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	prev, err := r.life.beginStop("stop")
	if err != nil {
		return err
	}
	if prev != StateRunning {
		return nil
	}

	r.cancel()
	r.fifo.Close()
	if err := r.group.Wait(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resender.Stop",
			"error":    err.Error(),
		}).Warn("Resender activity ended with error")
	}

	if bye, err := r.control.BuildGoodbye("resender stopped"); err == nil {
		if err := r.endpoint.SendControl(bye); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Resender.Stop",
				"error":    err.Error(),
			}).Debug("Failed to send goodbye")
		}
	}

	r.life.set(StateStopped)
	logrus.WithFields(logrus.Fields{
		"function": "Resender.Stop",
		"ssrc":     r.packetizer.SSRC(),
	}).Info("Resender stopped")
	return nil
}

// Dispose closes the resender's sockets and detaches it from the session.
// It is only allowed before Start or after Stop.
func (r *Resender) Dispose() error {
	r.ops.Lock()
	defer r.ops.Unlock()

	if _, err := r.life.transition("dispose", StateDisposed, StateCreated, StateStopped); err != nil {
		return err
	}
	r.session.removeTap(r)
	r.fifo.Close()
	return r.endpoint.Close()
}

// State returns the lifecycle state.
func (r *Resender) State() State {
	return r.life.get()
}

// LocalStreamAddr returns the address the resender sends media from.
func (r *Resender) LocalStreamAddr() net.Addr {
	return r.endpoint.LocalStreamAddr()
}

// LocalControlAddr returns the address the resender receives reports on.
func (r *Resender) LocalControlAddr() net.Addr {
	return r.endpoint.LocalControlAddr()
}

// Stats returns a snapshot of the resender's counters.
func (r *Resender) Stats() ResenderStats {
	r.mu.Lock()
	stats := r.stats
	r.mu.Unlock()

	stats.State = r.State()
	stats.FIFO = r.fifo.Stats()
	stats.SenderReports = r.control.ReportsSent()
	stats.ReceiverReport, stats.HasReceiverInfo = r.control.LastReceiverReport()
	return stats
}

// offer queues a for sending. Units offered while not running are ignored.
func (r *Resender) offer(a *au.AccessUnit) {
	if r.State() != StateRunning {
		return
	}
	r.fifo.Push(a)

	r.mu.Lock()
	r.stats.AUsOffered++
	r.mu.Unlock()
}

func (r *Resender) sendLoop(ctx context.Context) error {
	for {
		a, err := r.fifo.Pop(ctx, r.session.cfg.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, au.ErrEmpty):
			continue
		case errors.Is(err, au.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return err
		}

		now := r.tp.Now()
		if !a.Complete {
			r.mu.Lock()
			r.stats.AUsIncomplete++
			r.mu.Unlock()
			continue
		}
		if !r.shaper.Admit(a, now) {
			r.mu.Lock()
			r.stats.AUsShaped++
			r.mu.Unlock()
			continue
		}
		r.send(a, now)
	}
}

// send transmits the packets of a. Packets still queued once the network
// latency budget has elapsed are dropped so the stream catches up.
func (r *Resender) send(a *au.AccessUnit, start time.Time) {
	packets := r.packetizer.Packetize(a)
	var deadline time.Time
	if r.cfg.MaxNetworkLatency > 0 {
		deadline = start.Add(r.cfg.MaxNetworkLatency)
	}

	var sent, dropped, failed, bytes uint64
	for i, p := range packets {
		if !deadline.IsZero() && r.tp.Now().After(deadline) {
			dropped = uint64(len(packets) - i)
			break
		}
		b, err := p.Marshal()
		if err == nil {
			err = r.endpoint.SendStream(b)
		}
		if err != nil {
			failed++
			logrus.WithFields(logrus.Fields{
				"function": "Resender.send",
				"seq":      p.SequenceNumber,
				"error":    err.Error(),
			}).Debug("Failed to send packet")
			continue
		}
		r.packetizer.RecordSent(p)
		sent++
		bytes += uint64(len(b))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if dropped > 0 {
		r.stats.AUsLate++
	} else if len(packets) > 0 {
		r.stats.AUsSent++
	}
	r.stats.PacketsSent += sent
	r.stats.PacketsDropped += dropped
	r.stats.PacketsFailed += failed
	r.stats.BytesSent += bytes
	if sent > 0 {
		r.lastRTP = a.RTPTimestamp
		r.lastSentAt = r.tp.Now()
	}
}

// mediaTime returns the RTP timestamp corresponding to now, extrapolated
// from the last unit sent. ok is false before anything was sent.
func (r *Resender) mediaTime(now time.Time) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSentAt.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(r.lastSentAt)
	return r.lastRTP + uint32(elapsed.Seconds()*rtp.ClockRate), true
}

func (r *Resender) controlLoop(ctx context.Context) error {
	buf := make([]byte, r.cfg.MaxPacketSize)
	var next time.Time

	for ctx.Err() == nil {
		n, _, err := r.endpoint.ReceiveControl(buf)
		now := r.tp.Now()
		switch {
		case err == nil:
			if err := r.control.ProcessCompound(buf[:n], now); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Resender.controlLoop",
					"error":    err.Error(),
				}).Warn("Ignoring malformed control packet")
			}
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrClosed):
			return nil
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Resender.controlLoop",
				"error":    err.Error(),
			}).Warn("Control receive failed")
		}

		if now.Before(next) {
			continue
		}
		rtpTime, ok := r.mediaTime(now)
		if !ok {
			continue
		}
		packets, octets := r.packetizer.Counts()
		report, err := r.control.BuildReport(now, rtpTime, packets, octets)
		if err != nil {
			return fmt.Errorf("sender report: %w", err)
		}
		if err := r.endpoint.SendControl(report); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Resender.controlLoop",
				"error":    err.Error(),
			}).Warn("Failed to send sender report")
		}
		next = now.Add(r.control.NextReportDelay(len(report)))
	}
	return nil
}
