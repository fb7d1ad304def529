// Package au defines the access unit exchanged between the reassembler, the
// output filter and the resenders, and the bounded latency FIFO that sits
// between them.
package au

import (
	"time"

	"github.com/opd-ai/avstream/h264"
)

// NALUnit is one NAL unit of an access unit, header byte included and start
// code excluded. Data is shared read-only once the access unit is emitted.
type NALUnit struct {
	Type h264.NALUType
	Data []byte
}

// NewNALUnit wraps raw NAL data, deriving its type from the header byte.
func NewNALUnit(data []byte) NALUnit {
	nalu := NALUnit{Data: data}
	if len(data) > 0 {
		nalu.Type = h264.TypeOf(data[0])
	}
	return nalu
}

// RefIdc returns nal_ref_idc of the unit.
func (n NALUnit) RefIdc() uint8 {
	if len(n.Data) == 0 {
		return 0
	}
	return h264.RefIdcOf(n.Data[0])
}

// AccessUnit is one frame's worth of NAL units reconstructed from the
// network.
type AccessUnit struct {
	// ID is the extended RTP timestamp shared by all packets of the unit.
	// It increases monotonically in capture order.
	ID uint64
	// RTPTimestamp is the 32-bit timestamp as carried on the wire.
	RTPTimestamp uint32

	NALUnits []NALUnit

	// CaptureTimestamp is the capture time on the 90 kHz media clock,
	// relative to the first access unit of the stream.
	CaptureTimestamp time.Duration
	// ShiftedTimestamp is CaptureTimestamp plus the latency applied by the
	// reassembler at the time the unit was closed.
	ShiftedTimestamp time.Duration
	// ReceivedAt is the local arrival time of the unit's first packet.
	ReceivedAt time.Time

	Complete       bool
	MissingPackets int
	// Discontinuity is set on the first unit after an SSRC change or a
	// sequence gap large enough to invalidate decoder state.
	Discontinuity bool

	SyncType h264.SyncType
}

// Size returns the number of NAL payload bytes, excluding any framing.
func (a *AccessUnit) Size() int {
	n := 0
	for _, nalu := range a.NALUnits {
		n += len(nalu.Data)
	}
	return n
}

// FramedSize returns the number of bytes the unit occupies once each NAL
// unit is prefixed with a 4-byte start code or length.
func (a *AccessUnit) FramedSize() int {
	return a.Size() + 4*len(a.NALUnits)
}

// IsReference reports whether any NAL unit has a non-zero nal_ref_idc,
// meaning the decoder keeps it for later frames. Parameter sets count.
func (a *AccessUnit) IsReference() bool {
	for _, nalu := range a.NALUnits {
		if nalu.RefIdc() != 0 {
			return true
		}
	}
	return false
}

// Data returns the raw NAL unit payloads in order.
func (a *AccessUnit) Data() [][]byte {
	out := make([][]byte, len(a.NALUnits))
	for i, nalu := range a.NALUnits {
		out[i] = nalu.Data
	}
	return out
}

// Find returns the first NAL unit of the given type.
func (a *AccessUnit) Find(t h264.NALUType) (NALUnit, bool) {
	for _, nalu := range a.NALUnits {
		if nalu.Type == t {
			return nalu, true
		}
	}
	return NALUnit{}, false
}

// Without returns the unit's NAL units minus those whose type is in drop.
// The access unit itself is not modified.
func (a *AccessUnit) Without(drop ...h264.NALUType) []NALUnit {
	if len(drop) == 0 {
		return a.NALUnits
	}
	kept := make([]NALUnit, 0, len(a.NALUnits))
	for _, nalu := range a.NALUnits {
		skip := false
		for _, t := range drop {
			if nalu.Type == t {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, nalu)
		}
	}
	return kept
}

// AppendAnnexB appends nalus to dst in Annex-B framing.
func AppendAnnexB(dst []byte, nalus []NALUnit) []byte {
	for _, nalu := range nalus {
		dst = h264.AppendAnnexB(dst, nalu.Data)
	}
	return dst
}

// AppendAVCC appends nalus to dst with 4-byte length prefixes.
func AppendAVCC(dst []byte, nalus []NALUnit) []byte {
	for _, nalu := range nalus {
		dst = h264.AppendAVCC(dst, nalu.Data)
	}
	return dst
}
