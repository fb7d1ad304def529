package h264

import (
	"encoding/binary"
	"fmt"
)

// NALUType is the 5-bit nal_unit_type of an H.264 NAL unit header.
type NALUType uint8

// NAL unit types as defined in ITU-T H.264 Table 7-1 and RFC 6184.
const (
	NALUTypeUnspecified NALUType = 0
	NALUTypeSlice       NALUType = 1
	NALUTypeSliceDPA    NALUType = 2
	NALUTypeSliceDPB    NALUType = 3
	NALUTypeSliceDPC    NALUType = 4
	NALUTypeIDR         NALUType = 5
	NALUTypeSEI         NALUType = 6
	NALUTypeSPS         NALUType = 7
	NALUTypePPS         NALUType = 8
	NALUTypeAUD         NALUType = 9
	NALUTypeEndOfSeq    NALUType = 10
	NALUTypeEndOfStream NALUType = 11
	NALUTypeFillerData  NALUType = 12

	// RFC 6184 packetization types.
	NALUTypeSTAPA  NALUType = 24
	NALUTypeSTAPB  NALUType = 25
	NALUTypeMTAP16 NALUType = 26
	NALUTypeMTAP24 NALUType = 27
	NALUTypeFUA    NALUType = 28
	NALUTypeFUB    NALUType = 29
)

// String returns a short name for the NAL unit type.
func (t NALUType) String() string {
	switch t {
	case NALUTypeSlice:
		return "slice"
	case NALUTypeSliceDPA, NALUTypeSliceDPB, NALUTypeSliceDPC:
		return "slice-partition"
	case NALUTypeIDR:
		return "idr"
	case NALUTypeSEI:
		return "sei"
	case NALUTypeSPS:
		return "sps"
	case NALUTypePPS:
		return "pps"
	case NALUTypeAUD:
		return "aud"
	case NALUTypeEndOfSeq:
		return "end-of-seq"
	case NALUTypeEndOfStream:
		return "end-of-stream"
	case NALUTypeFillerData:
		return "filler"
	case NALUTypeSTAPA:
		return "stap-a"
	case NALUTypeFUA:
		return "fu-a"
	default:
		return fmt.Sprintf("nalu(%d)", uint8(t))
	}
}

// IsVCL reports whether the type carries coded slice data.
func (t NALUType) IsVCL() bool {
	return t >= NALUTypeSlice && t <= NALUTypeIDR
}

// IsParameterSet reports whether the type is an SPS or a PPS.
func (t NALUType) IsParameterSet() bool {
	return t == NALUTypeSPS || t == NALUTypePPS
}

// TypeOf extracts the NAL unit type from the first header byte.
func TypeOf(header byte) NALUType {
	return NALUType(header & 0x1F)
}

// RefIdcOf extracts nal_ref_idc from the first header byte.
func RefIdcOf(header byte) uint8 {
	return (header >> 5) & 0x03
}

// ForbiddenBitSet reports whether forbidden_zero_bit is set, which marks a
// corrupted NAL unit.
func ForbiddenBitSet(header byte) bool {
	return header&0x80 != 0
}

// StartCode is the 4-byte Annex-B start code prefix.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// SplitAnnexB scans an Annex-B byte stream and returns the NAL units it
// contains, without start codes. Both 3-byte and 4-byte start codes are
// recognized. The returned slices alias data.
func SplitAnnexB(data []byte) [][]byte {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	units := make([][]byte, 0, len(positions))
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		units = append(units, data[pos.dataStart:end])
	}
	return units
}

// AppendAnnexB appends each NAL unit to dst prefixed with a 4-byte start code.
func AppendAnnexB(dst []byte, nalus ...[]byte) []byte {
	for _, nalu := range nalus {
		dst = append(dst, StartCode...)
		dst = append(dst, nalu...)
	}
	return dst
}

// AppendAVCC appends each NAL unit to dst prefixed with its 4-byte big-endian
// length, the framing used by MP4 and most platform decoders.
func AppendAVCC(dst []byte, nalus ...[]byte) []byte {
	var size [4]byte
	for _, nalu := range nalus {
		binary.BigEndian.PutUint32(size[:], uint32(len(nalu)))
		dst = append(dst, size[:]...)
		dst = append(dst, nalu...)
	}
	return dst
}

// removeEmulationPrevention strips emulation_prevention_three_byte from a
// NAL unit payload, yielding the raw RBSP.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
