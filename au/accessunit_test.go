package au

import (
	"testing"

	"github.com/opd-ai/avstream/h264"
	"github.com/stretchr/testify/assert"
)

func sampleUnit() *AccessUnit {
	return &AccessUnit{
		ID: 90000,
		NALUnits: []NALUnit{
			NewNALUnit([]byte{0x67, 0x42, 0x00}),
			NewNALUnit([]byte{0x68, 0xCE}),
			NewNALUnit([]byte{0x06, 0x05, 0x00, 0x80}),
			NewNALUnit([]byte{0x65, 0x88, 0x84}),
		},
	}
}

func TestNewNALUnit(t *testing.T) {
	assert.Equal(t, h264.NALUTypeIDR, NewNALUnit([]byte{0x65}).Type)
	assert.Equal(t, uint8(3), NewNALUnit([]byte{0x65}).RefIdc())
	empty := NewNALUnit(nil)
	assert.Equal(t, h264.NALUTypeUnspecified, empty.Type)
	assert.Equal(t, uint8(0), empty.RefIdc())
}

func TestAccessUnitSizes(t *testing.T) {
	a := sampleUnit()
	assert.Equal(t, 12, a.Size())
	assert.Equal(t, 28, a.FramedSize())
	assert.Len(t, a.Data(), 4)
}

func TestAccessUnitIsReference(t *testing.T) {
	tests := []struct {
		name     string
		nalus    [][]byte
		expected bool
	}{
		{"idr", [][]byte{{0x65, 0x00}}, true},
		{"reference p slice", [][]byte{{0x41, 0x00}}, true},
		{"non-reference slice", [][]byte{{0x01, 0x00}}, false},
		{"parameter sets only", [][]byte{{0x67}, {0x68}}, true},
		{"sei and non-reference slice", [][]byte{{0x06}, {0x01, 0x00}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AccessUnit{}
			for _, data := range tt.nalus {
				a.NALUnits = append(a.NALUnits, NewNALUnit(data))
			}
			assert.Equal(t, tt.expected, a.IsReference())
		})
	}
}

func TestAccessUnitWithout(t *testing.T) {
	a := sampleUnit()

	kept := a.Without(h264.NALUTypeSPS, h264.NALUTypePPS)
	assert.Len(t, kept, 2)
	assert.Equal(t, h264.NALUTypeSEI, kept[0].Type)
	assert.Equal(t, h264.NALUTypeIDR, kept[1].Type)
	assert.Len(t, a.NALUnits, 4, "source access unit must not change")

	assert.Equal(t, a.NALUnits, a.Without())
}

func TestAccessUnitFind(t *testing.T) {
	a := sampleUnit()
	sps, ok := a.Find(h264.NALUTypeSPS)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x67, 0x42, 0x00}, sps.Data)

	_, ok = a.Find(h264.NALUTypeSlice)
	assert.False(t, ok)
}

func TestAccessUnitFraming(t *testing.T) {
	nalus := []NALUnit{NewNALUnit([]byte{0x65, 0x01})}
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0x01}, AppendAnnexB(nil, nalus))
	assert.Equal(t, []byte{0, 0, 0, 2, 0x65, 0x01}, AppendAVCC(nil, nalus))
}
