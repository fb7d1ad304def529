package h264

import (
	"errors"
	"fmt"
)

// SyncType classifies an access unit's role in stream synchronization.
// It is a closed set; values outside it are reported as SyncUnknown.
type SyncType uint8

const (
	// SyncNone marks an ordinary access unit.
	SyncNone SyncType = iota
	// SyncIDR marks an access unit holding an IDR slice, the point where
	// decoding can start.
	SyncIDR
	// SyncExtended marks an access unit carrying Dragon Extended metadata.
	SyncExtended
	// SyncFrameInfo marks an access unit carrying Dragon FrameInfo metadata.
	SyncFrameInfo
	// SyncStreaming marks an access unit carrying Dragon Streaming slice
	// layout metadata.
	SyncStreaming
	// SyncStreamingFrameInfo marks an access unit carrying both Dragon
	// Streaming and FrameInfo metadata.
	SyncStreamingFrameInfo
	// SyncIFrame marks a non-IDR access unit whose slices are all intra
	// coded.
	SyncIFrame
	// SyncPIRStart marks the first frame of a periodic intra refresh cycle,
	// announced by Dragon Streaming metadata with a zero index in GOP.
	SyncPIRStart
	// SyncUnknown marks an access unit that could not be classified.
	SyncUnknown
)

var syncTypeNames = [...]string{
	SyncNone:               "none",
	SyncIDR:                "idr",
	SyncExtended:           "extended",
	SyncFrameInfo:          "frame-info",
	SyncStreaming:          "streaming",
	SyncStreamingFrameInfo: "streaming-frame-info",
	SyncIFrame:             "iframe",
	SyncPIRStart:           "pir-start",
	SyncUnknown:            "unknown",
}

// String returns the sync type name.
func (s SyncType) String() string {
	if int(s) < len(syncTypeNames) {
		return syncTypeNames[s]
	}
	return fmt.Sprintf("sync(%d)", uint8(s))
}

// Valid reports whether s is a deliverable classification. SyncUnknown and
// out-of-range values are not.
func (s SyncType) Valid() bool {
	return s < SyncUnknown
}

// IsSyncPoint reports whether decoding can start at an access unit of this
// type: an IDR, an all-intra frame or the start of an intra refresh cycle.
func (s SyncType) IsSyncPoint() bool {
	return s == SyncIDR || s == SyncIFrame || s == SyncPIRStart
}

// ErrClassification is the sentinel matched by ClassificationError.
var ErrClassification = errors.New("access unit classification failed")

// ClassificationError reports an access unit that cannot be delivered
// because its sync type is outside the known set or its contents are
// malformed. It affects that access unit only.
type ClassificationError struct {
	Value  int    // raw sync type value, -1 if not applicable
	Reason string // what was wrong
}

func (e *ClassificationError) Error() string {
	if e.Value >= 0 {
		return fmt.Sprintf("classification: sync type %d: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("classification: %s", e.Reason)
}

// Is matches ErrClassification.
func (e *ClassificationError) Is(target error) bool {
	return target == ErrClassification
}

// ParseSyncType converts a raw integer into a SyncType. Values outside the
// closed set yield SyncUnknown and a ClassificationError.
func ParseSyncType(v int) (SyncType, error) {
	if v < 0 || v >= int(SyncUnknown) {
		return SyncUnknown, &ClassificationError{Value: v, Reason: "unrecognized value"}
	}
	return SyncType(v), nil
}

// CheckSyncType returns a ClassificationError if s cannot be delivered.
func CheckSyncType(s SyncType) error {
	if s.Valid() {
		return nil
	}
	return &ClassificationError{Value: int(s), Reason: "unrecognized value"}
}

// Classify derives the sync type of an access unit from its NAL units.
//
// An IDR slice wins over everything else. An access unit whose slices are
// all I or SI is SyncIFrame, and one announcing index 0 in its Dragon
// Streaming metadata is SyncPIRStart. Otherwise the richest recognized
// Dragon user-data SEI decides: streaming-frame-info, then streaming, then
// frame-info, then extended. Dragon Basic metadata and foreign SEI leave the
// access unit as SyncNone.
//
// An empty access unit or a NAL unit with forbidden_zero_bit set is
// malformed and yields SyncUnknown with a ClassificationError.
func Classify(nalus [][]byte) (SyncType, error) {
	if len(nalus) == 0 {
		return SyncUnknown, &ClassificationError{Value: -1, Reason: "access unit has no NAL units"}
	}

	var hasIDR, pirStart bool
	slices, intra := 0, 0
	seen := make(map[UserDataType]bool)
	for i, nalu := range nalus {
		if len(nalu) == 0 {
			return SyncUnknown, &ClassificationError{Value: -1, Reason: fmt.Sprintf("NAL unit %d is empty", i)}
		}
		if ForbiddenBitSet(nalu[0]) {
			return SyncUnknown, &ClassificationError{Value: -1, Reason: fmt.Sprintf("NAL unit %d has forbidden_zero_bit set", i)}
		}
		switch TypeOf(nalu[0]) {
		case NALUTypeIDR:
			hasIDR = true
		case NALUTypeSlice:
			slices++
			if st, ok := SliceTypeOf(nalu); ok && st.IsIntra() {
				intra++
			}
		case NALUTypeSEI:
			for _, msg := range ParseSEI(nalu) {
				if msg.PayloadType != seiPayloadTypeUserDataUnregistered {
					continue
				}
				t := ClassifyUserData(msg.Payload)
				seen[t] = true
				if t == UserDataDragonStreamingV1 && len(msg.Payload) > 16 && msg.Payload[16] == 0 {
					pirStart = true
				}
			}
		}
	}

	switch {
	case hasIDR:
		return SyncIDR, nil
	case slices > 0 && intra == slices:
		return SyncIFrame, nil
	case pirStart:
		return SyncPIRStart, nil
	case seen[UserDataDragonStreamingFrameInfoV1]:
		return SyncStreamingFrameInfo, nil
	case seen[UserDataDragonStreamingV1]:
		return SyncStreaming, nil
	case seen[UserDataDragonFrameInfoV1]:
		return SyncFrameInfo, nil
	case seen[UserDataDragonExtendedV1], seen[UserDataDragonExtendedV2]:
		return SyncExtended, nil
	default:
		return SyncNone, nil
	}
}
