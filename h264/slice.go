package h264

// SliceType is the slice_type of a slice header, reduced modulo 5.
type SliceType uint8

const (
	SliceP SliceType = iota
	SliceB
	SliceI
	SliceSP
	SliceSI
)

var sliceTypeNames = [...]string{
	SliceP:  "P",
	SliceB:  "B",
	SliceI:  "I",
	SliceSP: "SP",
	SliceSI: "SI",
}

func (t SliceType) String() string {
	if int(t) < len(sliceTypeNames) {
		return sliceTypeNames[t]
	}
	return "?"
}

// IsIntra reports whether the slice decodes without reference frames.
func (t SliceType) IsIntra() bool {
	return t == SliceI || t == SliceSI
}

// SliceTypeOf reads the slice_type of a coded slice NAL unit, header byte
// included. ok is false for other NAL unit types and truncated headers.
func SliceTypeOf(nalu []byte) (SliceType, bool) {
	if len(nalu) < 2 {
		return 0, false
	}
	if t := TypeOf(nalu[0]); t != NALUTypeSlice && t != NALUTypeIDR {
		return 0, false
	}

	// Only the first two fields are needed, which fit well within the
	// first few bytes of the header.
	head := nalu[1:]
	if len(head) > 16 {
		head = head[:16]
	}
	r := bitReader{data: removeEmulationPrevention(head)}
	if _, ok := r.ue(); !ok { // first_mb_in_slice
		return 0, false
	}
	v, ok := r.ue()
	if !ok || v > 9 {
		return 0, false
	}
	return SliceType(v % 5), true
}

// bitReader reads the Exp-Golomb coded fields of an RBSP.
type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) bit() (uint32, bool) {
	if r.pos >= len(r.data)*8 {
		return 0, false
	}
	b := r.data[r.pos/8] >> (7 - r.pos%8) & 1
	r.pos++
	return uint32(b), true
}

// ue reads an unsigned Exp-Golomb value (ITU-T H.264 9.1).
func (r *bitReader) ue() (uint32, bool) {
	zeros := 0
	for {
		b, ok := r.bit()
		if !ok {
			return 0, false
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, false
		}
	}
	var v uint32
	for i := 0; i < zeros; i++ {
		b, ok := r.bit()
		if !ok {
			return 0, false
		}
		v = v<<1 | b
	}
	return (1<<zeros - 1) + v, true
}
