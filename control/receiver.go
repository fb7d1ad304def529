package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/avstream/rtp"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultReceiverSSRC identifies the receiver in its reports ("AVSR").
	DefaultReceiverSSRC = 0x41565352

	// DefaultReceiverCNAME is the canonical name sent with receiver reports.
	DefaultReceiverCNAME = "avstream RTP receiver"

	// maxTotalLost is the largest cumulative loss a reception block carries.
	maxTotalLost = 0x7FFFFF
)

// ReceiverConfig configures the receive side of the control channel.
type ReceiverConfig struct {
	MaxBitrate int
	SSRC       uint32
	CNAME      string
}

// SenderReportInfo is what the receiver remembers of the latest sender
// report.
type SenderReportInfo struct {
	SSRC        uint32
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
	ReceivedAt  time.Time
}

// Receiver is the RTCP context of a stream receiver. It consumes sender
// reports and produces receiver reports describing reception quality.
type Receiver struct {
	mu  sync.Mutex
	cfg ReceiverConfig

	byteRate int

	lastSR   SenderReportInfo
	hasSR    bool
	peerName string
	goodbye  bool

	prevExpected uint64
	prevReceived uint64
	reportsSent  uint64
}

// NewReceiver creates a receiver control context. Zero SSRC and empty CNAME
// fall back to the defaults.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.SSRC == 0 {
		cfg.SSRC = DefaultReceiverSSRC
	}
	if cfg.CNAME == "" {
		cfg.CNAME = DefaultReceiverCNAME
	}
	return &Receiver{
		cfg:      cfg,
		byteRate: reportByteRate(cfg.MaxBitrate),
	}
}

// ProcessCompound parses a compound RTCP datagram received at now. Sender
// reports update the NTP/RTP mapping used for the next receiver report.
func (r *Receiver) ProcessCompound(b []byte, now time.Time) error {
	packets, err := rtcp.Unmarshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.SenderReport:
			r.lastSR = SenderReportInfo{
				SSRC:        p.SSRC,
				NTPTime:     p.NTPTime,
				RTPTime:     p.RTPTime,
				PacketCount: p.PacketCount,
				OctetCount:  p.OctetCount,
				ReceivedAt:  now,
			}
			r.hasSR = true
			r.goodbye = false
			logrus.WithFields(logrus.Fields{
				"function":     "Receiver.ProcessCompound",
				"ssrc":         p.SSRC,
				"rtp_time":     p.RTPTime,
				"packet_count": p.PacketCount,
			}).Debug("Sender report received")

		case *rtcp.SourceDescription:
			for _, chunk := range p.Chunks {
				for _, item := range chunk.Items {
					if item.Type == rtcp.SDESCNAME {
						r.peerName = item.Text
					}
				}
			}

		case *rtcp.Goodbye:
			r.goodbye = true
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.ProcessCompound",
				"sources":  p.Sources,
				"reason":   p.Reason,
			}).Info("Sender said goodbye")
		}
	}
	return nil
}

// HasSenderReport reports whether a sender report has been received.
func (r *Receiver) HasSenderReport() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasSR
}

// LastSenderReport returns the latest sender report, used for liveness.
func (r *Receiver) LastSenderReport() (SenderReportInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSR, r.hasSR
}

// PeerName returns the sender's CNAME, if one was announced.
func (r *Receiver) PeerName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerName
}

// GoodbyeReceived reports whether the sender announced it is leaving.
func (r *Receiver) GoodbyeReceived() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.goodbye
}

// BuildReport encodes a receiver report plus source description from the
// reassembler's counters. Fraction lost covers the interval since the
// previous report.
//
// Parameters:
//   - now: report time, used for the delay since the last sender report
//   - stats: reception counters of the reassembler
//
// Returns:
//   - []byte: compound RTCP packet
//   - error: ErrNoSenderReport before any sender report arrived
func (r *Receiver) BuildReport(now time.Time, stats rtp.Stats) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasSR {
		return nil, ErrNoSenderReport
	}

	expected := stats.PacketsExpected()
	received := stats.PacketsReceived
	if expected < r.prevExpected || received < r.prevReceived {
		// Counters restarted with a new source.
		r.prevExpected, r.prevReceived = 0, 0
	}

	var fraction uint8
	expectedInterval := expected - r.prevExpected
	receivedInterval := received - r.prevReceived
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fraction = uint8(((expectedInterval - receivedInterval) << 8) / expectedInterval)
	}
	r.prevExpected, r.prevReceived = expected, received

	var totalLost uint32
	if expected > received {
		totalLost = uint32(min(expected-received, maxTotalLost))
	}

	jitter := uint32(stats.Jitter * rtp.ClockRate / time.Second)

	packets := []rtcp.Packet{
		&rtcp.ReceiverReport{
			SSRC: r.cfg.SSRC,
			Reports: []rtcp.ReceptionReport{{
				SSRC:               r.lastSR.SSRC,
				FractionLost:       fraction,
				TotalLost:          totalLost,
				LastSequenceNumber: stats.ExtendedHighestSeq,
				Jitter:             jitter,
				LastSenderReport:   middle32(r.lastSR.NTPTime),
				Delay:              toCompact(now.Sub(r.lastSR.ReceivedAt)),
			}},
		},
		&rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: r.cfg.SSRC,
				Items: []rtcp.SourceDescriptionItem{{
					Type: rtcp.SDESCNAME,
					Text: r.cfg.CNAME,
				}},
			}},
		},
	}

	b, err := rtcp.Marshal(packets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode receiver report: %w", err)
	}
	r.reportsSent++
	return b, nil
}

// NextReportDelay returns how long to wait after sending a report of size
// bytes.
func (r *Receiver) NextReportDelay(size int) time.Duration {
	return nextReportDelay(size, r.byteRate)
}

// ReportsSent returns the number of receiver reports built.
func (r *Receiver) ReportsSent() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reportsSent
}
