package h264

import "encoding/binary"

// seiPayloadTypeUserDataUnregistered is the SEI payloadType of
// user_data_unregistered messages (ITU-T H.264 D.1.6).
const seiPayloadTypeUserDataUnregistered = 5

// UserDataType identifies a recognized vendor user-data SEI layout.
type UserDataType uint8

// Recognized user-data SEI layouts emitted by Parrot Dragon encoders.
const (
	UserDataUnknown UserDataType = iota
	UserDataDragonBasicV1
	UserDataDragonExtendedV1
	UserDataDragonBasicV2
	UserDataDragonExtendedV2
	UserDataDragonFrameInfoV1
	UserDataDragonStreamingV1
	UserDataDragonStreamingFrameInfoV1
)

var userDataTypeNames = map[UserDataType]string{
	UserDataUnknown:                    "unknown",
	UserDataDragonBasicV1:              "dragon-basic-v1",
	UserDataDragonExtendedV1:           "dragon-extended-v1",
	UserDataDragonBasicV2:              "dragon-basic-v2",
	UserDataDragonExtendedV2:           "dragon-extended-v2",
	UserDataDragonFrameInfoV1:          "dragon-frameinfo-v1",
	UserDataDragonStreamingV1:          "dragon-streaming-v1",
	UserDataDragonStreamingFrameInfoV1: "dragon-streaming-frameinfo-v1",
}

// String returns the layout name.
func (t UserDataType) String() string {
	if name, ok := userDataTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// userDataUUIDs maps each layout's 128-bit UUID, as four big-endian words,
// to its type.
var userDataUUIDs = map[[4]uint32]UserDataType{
	{0x8818b6d5, 0x4aff45ad, 0xba04bc0c, 0xbae6a5fd}: UserDataDragonBasicV1,
	{0x5aace927, 0x933f41ff, 0xb863af7e, 0x617532cf}: UserDataDragonExtendedV1,
	{0xf1433a75, 0xe4914bf5, 0xaadf455d, 0xdf6ac0a8}: UserDataDragonBasicV2,
	{0x937a509b, 0x2f234df6, 0x8be33305, 0x69d3b5bb}: UserDataDragonExtendedV2,
	{0x3991d0df, 0x5adf46ec, 0xbd68a709, 0x6bb029a8}: UserDataDragonFrameInfoV1,
	{0x13dbccc7, 0xc72042f5, 0xa0b7aafa, 0xa2b3af97}: UserDataDragonStreamingV1,
	{0xa90f2708, 0xdc10493a, 0x9a3494b6, 0xb9bab75b}: UserDataDragonStreamingFrameInfoV1,
}

// UserDataUUID returns the 16-byte UUID for a recognized layout.
func UserDataUUID(t UserDataType) ([]byte, bool) {
	for words, typ := range userDataUUIDs {
		if typ != t {
			continue
		}
		uuid := make([]byte, 16)
		for i, w := range words {
			binary.BigEndian.PutUint32(uuid[i*4:], w)
		}
		return uuid, true
	}
	return nil, false
}

// ClassifyUserData returns the layout of a user_data_unregistered payload
// from its leading UUID. Payloads shorter than a UUID are UserDataUnknown.
func ClassifyUserData(payload []byte) UserDataType {
	if len(payload) < 16 {
		return UserDataUnknown
	}
	var words [4]uint32
	for i := range words {
		words[i] = binary.BigEndian.Uint32(payload[i*4:])
	}
	if t, ok := userDataUUIDs[words]; ok {
		return t
	}
	return UserDataUnknown
}

// SEIMessage is one sei_message() of an SEI NAL unit.
type SEIMessage struct {
	PayloadType int
	Payload     []byte
}

// ParseSEI walks the sei_message() list of an SEI NAL unit, header byte
// included. Truncated trailing messages are ignored.
func ParseSEI(nalu []byte) []SEIMessage {
	if len(nalu) < 2 || TypeOf(nalu[0]) != NALUTypeSEI {
		return nil
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	var msgs []SEIMessage
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == 0x80 {
			break
		}

		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			break
		}
		msgs = append(msgs, SEIMessage{PayloadType: payloadType, Payload: rbsp[i : i+payloadSize]})
		i += payloadSize
	}
	return msgs
}

// UserDataTypes returns the recognized user-data layouts found in an SEI NAL
// unit, in message order.
func UserDataTypes(nalu []byte) []UserDataType {
	var types []UserDataType
	for _, msg := range ParseSEI(nalu) {
		if msg.PayloadType != seiPayloadTypeUserDataUnregistered {
			continue
		}
		if t := ClassifyUserData(msg.Payload); t != UserDataUnknown {
			types = append(types, t)
		}
	}
	return types
}

// BuildUserDataSEI builds an SEI NAL unit carrying a single
// user_data_unregistered message with the given layout UUID and body.
// The body is not escaped, so callers must avoid emulation sequences.
func BuildUserDataSEI(t UserDataType, body []byte) []byte {
	uuid, ok := UserDataUUID(t)
	if !ok {
		uuid = make([]byte, 16)
	}
	payload := append(uuid, body...)

	nalu := []byte{byte(NALUTypeSEI), seiPayloadTypeUserDataUnregistered}
	size := len(payload)
	for size >= 255 {
		nalu = append(nalu, 0xFF)
		size -= 255
	}
	nalu = append(nalu, byte(size))
	nalu = append(nalu, payload...)
	return append(nalu, 0x80)
}
