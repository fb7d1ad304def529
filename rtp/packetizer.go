package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/opd-ai/avstream/au"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"
)

const (
	// HeaderSize is the size of an RTP header without CSRCs or extensions.
	HeaderSize = 12

	// DefaultPayloadType is the dynamic payload type used for H.264.
	DefaultPayloadType = 96

	// minPacketSize leaves room for an FU-A indicator, header and one byte.
	minPacketSize = HeaderSize + 3
)

// ErrPacketSizeTooSmall indicates a target packet size that cannot carry a
// single FU-A fragment.
var ErrPacketSizeTooSmall = errors.New("target packet size too small")

// Packetizer re-fragments access units into RTP packets of a given size.
// It keeps the access unit's RTP timestamp and sets the marker on the last
// packet of each unit. Packetize must be called from one goroutine.
type Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         uint16
	payloader   *codecs.H264Payloader
	sequencer   rtp.Sequencer

	packetsSent atomic.Uint32
	octetsSent  atomic.Uint32
}

// NewPacketizer creates a packetizer emitting datagrams of at most
// targetPacketSize bytes. A zero ssrc is replaced by a random one.
//
// Parameters:
//   - targetPacketSize: maximum RTP datagram size, header included
//   - ssrc: synchronization source of the outgoing stream
//
// Returns:
//   - *Packetizer: ready packetizer
//   - error: ErrPacketSizeTooSmall if a fragment cannot fit
func NewPacketizer(targetPacketSize int, ssrc uint32) (*Packetizer, error) {
	if targetPacketSize < minPacketSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrPacketSizeTooSmall, targetPacketSize, minPacketSize)
	}
	mtu := targetPacketSize - HeaderSize
	if mtu > 0xFFFF {
		mtu = 0xFFFF
	}

	if ssrc == 0 {
		var err error
		if ssrc, err = randomSSRC(); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":           "NewPacketizer",
		"ssrc":               ssrc,
		"target_packet_size": targetPacketSize,
	}).Debug("Creating resend packetizer")

	return &Packetizer{
		ssrc:        ssrc,
		payloadType: DefaultPayloadType,
		mtu:         uint16(mtu),
		payloader:   &codecs.H264Payloader{},
		sequencer:   rtp.NewRandomSequencer(),
	}, nil
}

func randomSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// SSRC returns the outgoing synchronization source.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// RecordSent counts pkt as transmitted. Packets that were built but never
// reached the network must not be recorded.
func (p *Packetizer) RecordSent(pkt *rtp.Packet) {
	p.packetsSent.Add(1)
	p.octetsSent.Add(uint32(len(pkt.Payload)))
}

// Counts returns the packets and payload octets recorded as sent, as
// reported in sender reports. It may be called concurrently with Packetize.
func (p *Packetizer) Counts() (packets, octets uint32) {
	return p.packetsSent.Load(), p.octetsSent.Load()
}

// Packetize splits a into RTP packets. Parameter sets are aggregated into a
// STAP-A ahead of the next NAL unit; NAL units larger than the payload size
// become FU-A fragments. An access unit holding only parameter sets yields
// no packets, its parameter sets leave with the next unit.
func (p *Packetizer) Packetize(a *au.AccessUnit) []*rtp.Packet {
	annexB := au.AppendAnnexB(make([]byte, 0, a.FramedSize()), a.NALUnits)
	payloads := p.payloader.Payload(p.mtu, annexB)

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      a.RTPTimestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}
