package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSenderSSRC identifies a resending sender in its reports ("AVSS").
	DefaultSenderSSRC = 0x41565353

	// DefaultSenderCNAME is the canonical name sent with sender reports.
	DefaultSenderCNAME = "avstream RTP sender"
)

// SenderConfig configures the send side of the control channel.
type SenderConfig struct {
	MaxBitrate int
	SSRC       uint32
	CNAME      string
}

// ReceiverReportInfo is what the sender learned from the latest receiver
// report about its stream.
type ReceiverReportInfo struct {
	SSRC               uint32
	FractionLost       uint8
	TotalLost          uint32
	ExtendedHighestSeq uint32
	Jitter             uint32
	RoundTripTime      time.Duration
	ReceivedAt         time.Time
}

// Sender is the RTCP context of a stream sender.
type Sender struct {
	mu  sync.Mutex
	cfg SenderConfig

	byteRate int

	lastRR ReceiverReportInfo
	hasRR  bool

	reportsSent uint64
}

// NewSender creates a sender control context. Zero SSRC and empty CNAME fall
// back to the defaults.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.SSRC == 0 {
		cfg.SSRC = DefaultSenderSSRC
	}
	if cfg.CNAME == "" {
		cfg.CNAME = DefaultSenderCNAME
	}
	return &Sender{
		cfg:      cfg,
		byteRate: reportByteRate(cfg.MaxBitrate),
	}
}

// SSRC returns the source the sender reports for.
func (s *Sender) SSRC() uint32 {
	return s.cfg.SSRC
}

func (s *Sender) sdes() *rtcp.SourceDescription {
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: s.cfg.SSRC,
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: s.cfg.CNAME,
			}},
		}},
	}
}

// BuildReport encodes a sender report plus source description. rtpTimestamp
// is the media time corresponding to now.
func (s *Sender) BuildReport(now time.Time, rtpTimestamp, packets, octets uint32) ([]byte, error) {
	b, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.SenderReport{
			SSRC:        s.cfg.SSRC,
			NTPTime:     ToNTP(now),
			RTPTime:     rtpTimestamp,
			PacketCount: packets,
			OctetCount:  octets,
		},
		s.sdes(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sender report: %w", err)
	}

	s.mu.Lock()
	s.reportsSent++
	s.mu.Unlock()
	return b, nil
}

// BuildGoodbye encodes a BYE for the sender's source.
func (s *Sender) BuildGoodbye(reason string) ([]byte, error) {
	b, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.Goodbye{Sources: []uint32{s.cfg.SSRC}, Reason: reason},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode goodbye: %w", err)
	}
	return b, nil
}

// ProcessCompound parses a compound RTCP datagram received at now and
// records the reception block describing this sender's stream, if any.
// The round-trip time is now minus LSR minus DLSR.
func (s *Sender) ProcessCompound(b []byte, now time.Time) error {
	packets, err := rtcp.Unmarshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, block := range rr.Reports {
			if block.SSRC != s.cfg.SSRC {
				continue
			}

			info := ReceiverReportInfo{
				SSRC:               rr.SSRC,
				FractionLost:       block.FractionLost,
				TotalLost:          block.TotalLost,
				ExtendedHighestSeq: block.LastSequenceNumber,
				Jitter:             block.Jitter,
				ReceivedAt:         now,
			}
			if block.LastSenderReport != 0 {
				elapsed := middle32(ToNTP(now)) - block.LastSenderReport
				if elapsed >= block.Delay {
					info.RoundTripTime = fromCompact(elapsed - block.Delay)
				}
			}
			s.lastRR = info
			s.hasRR = true

			logrus.WithFields(logrus.Fields{
				"function":      "Sender.ProcessCompound",
				"receiver_ssrc": rr.SSRC,
				"fraction_lost": block.FractionLost,
				"rtt":           info.RoundTripTime,
			}).Debug("Receiver report received")
		}
	}
	return nil
}

// LastReceiverReport returns the latest reception block about this sender.
func (s *Sender) LastReceiverReport() (ReceiverReportInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRR, s.hasRR
}

// NextReportDelay returns how long to wait after sending a report of size
// bytes.
func (s *Sender) NextReportDelay(size int) time.Duration {
	return nextReportDelay(size, s.byteRate)
}

// ReportsSent returns the number of sender reports built.
func (s *Sender) ReportsSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportsSent
}
