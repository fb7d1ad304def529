package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS   = []byte{0x67, 0x42, 0xC0, 0x1E, 0xDA, 0x02, 0x80}
	testPPS   = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x21, 0xA0}
	testSlice = []byte{0x41, 0x9A, 0x02, 0x04}
	// first_mb_in_slice 0, slice_type 7 (I).
	testISlice = []byte{0x41, 0x88, 0x84, 0x21}
)

func TestNALUHeaderFields(t *testing.T) {
	tests := []struct {
		name      string
		header    byte
		typ       NALUType
		refIdc    uint8
		forbidden bool
	}{
		{"sps", 0x67, NALUTypeSPS, 3, false},
		{"idr", 0x65, NALUTypeIDR, 3, false},
		{"reference slice", 0x41, NALUTypeSlice, 2, false},
		{"non-reference slice", 0x01, NALUTypeSlice, 0, false},
		{"sei", 0x06, NALUTypeSEI, 0, false},
		{"corrupted", 0xE5, NALUTypeIDR, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, TypeOf(tt.header))
			assert.Equal(t, tt.refIdc, RefIdcOf(tt.header))
			assert.Equal(t, tt.forbidden, ForbiddenBitSet(tt.header))
		})
	}
}

func TestNALUTypePredicates(t *testing.T) {
	assert.True(t, NALUTypeIDR.IsVCL())
	assert.True(t, NALUTypeSlice.IsVCL())
	assert.False(t, NALUTypeSEI.IsVCL())
	assert.True(t, NALUTypeSPS.IsParameterSet())
	assert.True(t, NALUTypePPS.IsParameterSet())
	assert.False(t, NALUTypeIDR.IsParameterSet())
	assert.Equal(t, "fu-a", NALUTypeFUA.String())
	assert.Equal(t, "nalu(31)", NALUType(31).String())
}

func TestAnnexBRoundTrip(t *testing.T) {
	stream := AppendAnnexB(nil, testSPS, testPPS, testIDR)
	assert.Len(t, stream, 3*4+len(testSPS)+len(testPPS)+len(testIDR))

	nalus := SplitAnnexB(stream)
	require.Len(t, nalus, 3)
	assert.Equal(t, testSPS, nalus[0])
	assert.Equal(t, testPPS, nalus[1])
	assert.Equal(t, testIDR, nalus[2])
}

func TestSplitAnnexBThreeByteStartCodes(t *testing.T) {
	stream := []byte{0, 0, 1}
	stream = append(stream, testSlice...)
	stream = append(stream, 0, 0, 1)
	stream = append(stream, testPPS...)

	nalus := SplitAnnexB(stream)
	require.Len(t, nalus, 2)
	assert.Equal(t, testSlice, nalus[0])
	assert.Equal(t, testPPS, nalus[1])
}

func TestSplitAnnexBShortInput(t *testing.T) {
	assert.Nil(t, SplitAnnexB([]byte{0, 0, 1}))
}

func TestAppendAVCC(t *testing.T) {
	out := AppendAVCC(nil, testPPS, testSlice)
	expected := []byte{0, 0, 0, 4}
	expected = append(expected, testPPS...)
	expected = append(expected, 0, 0, 0, 4)
	expected = append(expected, testSlice...)
	assert.Equal(t, expected, out)
}

func TestUserDataSEIRecognition(t *testing.T) {
	for typ := UserDataDragonBasicV1; typ <= UserDataDragonStreamingFrameInfoV1; typ++ {
		t.Run(typ.String(), func(t *testing.T) {
			sei := BuildUserDataSEI(typ, []byte{0x01, 0x02, 0x03, 0x04})
			assert.Equal(t, []UserDataType{typ}, UserDataTypes(sei))
		})
	}
}

func TestParseSEIIgnoresForeignPayloads(t *testing.T) {
	// A recovery point SEI (payloadType 6) followed by an unknown UUID.
	sei := []byte{0x06, 0x06, 0x01, 0xC4}
	sei = append(sei, 0x05, 0x10)
	sei = append(sei, make([]byte, 16)...)
	sei = append(sei, 0x80)

	msgs := ParseSEI(sei)
	require.Len(t, msgs, 2)
	assert.Equal(t, 6, msgs[0].PayloadType)
	assert.Equal(t, 5, msgs[1].PayloadType)
	assert.Empty(t, UserDataTypes(sei))
}

func TestParseSEIRejectsOtherNALUs(t *testing.T) {
	assert.Nil(t, ParseSEI(testIDR))
	assert.Nil(t, ParseSEI([]byte{0x06}))
}

func TestClassify(t *testing.T) {
	streaming := BuildUserDataSEI(UserDataDragonStreamingV1, []byte{0x03, 0x01})
	pirStart := BuildUserDataSEI(UserDataDragonStreamingV1, []byte{0x00, 0x01})
	streamingFrameInfo := BuildUserDataSEI(UserDataDragonStreamingFrameInfoV1, nil)
	frameInfo := BuildUserDataSEI(UserDataDragonFrameInfoV1, nil)
	extended := BuildUserDataSEI(UserDataDragonExtendedV2, nil)
	basic := BuildUserDataSEI(UserDataDragonBasicV2, nil)

	tests := []struct {
		name     string
		nalus    [][]byte
		expected SyncType
	}{
		{"idr wins", [][]byte{streaming, testSPS, testPPS, testIDR}, SyncIDR},
		{"plain slice", [][]byte{testSlice}, SyncNone},
		{"basic metadata", [][]byte{basic, testSlice}, SyncNone},
		{"extended metadata", [][]byte{extended, testSlice}, SyncExtended},
		{"frame info", [][]byte{frameInfo, testSlice}, SyncFrameInfo},
		{"streaming", [][]byte{streaming, testSlice}, SyncStreaming},
		{"streaming frame info beats streaming", [][]byte{streaming, streamingFrameInfo, testSlice}, SyncStreamingFrameInfo},
		{"intra slices", [][]byte{testISlice, testISlice}, SyncIFrame},
		{"intra beats metadata", [][]byte{pirStart, streamingFrameInfo, testISlice}, SyncIFrame},
		{"mixed slices", [][]byte{testISlice, testSlice}, SyncNone},
		{"intra refresh start", [][]byte{pirStart, testSlice}, SyncPIRStart},
		{"intra refresh start beats frame info", [][]byte{streamingFrameInfo, pirStart, testSlice}, SyncPIRStart},
		{"parameter sets only", [][]byte{testSPS, testPPS}, SyncNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync, err := Classify(tt.nalus)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sync)
		})
	}
}

func TestClassifyMalformed(t *testing.T) {
	tests := []struct {
		name  string
		nalus [][]byte
	}{
		{"no nal units", nil},
		{"empty nal unit", [][]byte{testSlice, {}}},
		{"forbidden bit", [][]byte{{0xE5, 0x00}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync, err := Classify(tt.nalus)
			assert.Equal(t, SyncUnknown, sync)
			assert.ErrorIs(t, err, ErrClassification)

			var classErr *ClassificationError
			require.ErrorAs(t, err, &classErr)
			assert.Equal(t, -1, classErr.Value)
		})
	}
}

func TestParseSyncType(t *testing.T) {
	for v := 0; v < int(SyncUnknown); v++ {
		s, err := ParseSyncType(v)
		require.NoError(t, err)
		assert.Equal(t, SyncType(v), s)
		assert.True(t, s.Valid())
	}

	for _, v := range []int{-1, int(SyncUnknown), 42} {
		s, err := ParseSyncType(v)
		assert.Equal(t, SyncUnknown, s)
		assert.ErrorIs(t, err, ErrClassification)
		assert.Contains(t, err.Error(), "unrecognized")
	}
}

func TestSyncTypeHelpers(t *testing.T) {
	assert.True(t, SyncIDR.IsSyncPoint())
	assert.True(t, SyncIFrame.IsSyncPoint())
	assert.True(t, SyncPIRStart.IsSyncPoint())
	assert.False(t, SyncStreaming.IsSyncPoint())
	assert.False(t, SyncNone.IsSyncPoint())
	assert.Equal(t, "pir-start", SyncPIRStart.String())
	assert.Equal(t, "streaming-frame-info", SyncStreamingFrameInfo.String())
	assert.Equal(t, "sync(99)", SyncType(99).String())
	assert.NoError(t, CheckSyncType(SyncNone))
	assert.ErrorIs(t, CheckSyncType(SyncUnknown), ErrClassification)
	assert.ErrorIs(t, CheckSyncType(SyncType(99)), ErrClassification)
}

func TestSliceTypeOf(t *testing.T) {
	tests := []struct {
		name     string
		nalu     []byte
		expected SliceType
		ok       bool
	}{
		{"p slice", testSlice, SliceP, true},
		{"i slice", testISlice, SliceI, true},
		{"idr slice", testIDR, SliceI, true},
		// first_mb_in_slice 1, slice_type 4 (SI).
		{"si slice", []byte{0x01, 0x42, 0x80}, SliceSI, true},
		{"not a slice", testSPS, 0, false},
		{"truncated", []byte{0x41, 0x00}, 0, false},
		{"header only", []byte{0x41}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := SliceTypeOf(tt.nalu)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, st)
				assert.Equal(t, tt.expected == SliceI || tt.expected == SliceSI, st.IsIntra())
			}
		})
	}
}
