package rtp

import (
	"testing"
	"time"

	"github.com/opd-ai/avstream/au"
	"github.com/opd-ai/avstream/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func largeIDR(size int) []byte {
	nalu := make([]byte, size)
	nalu[0] = 0x65
	for i := 1; i < size; i++ {
		nalu[i] = byte(i%200) + 0x20
	}
	return nalu
}

func TestNewPacketizerTooSmall(t *testing.T) {
	p, err := NewPacketizer(HeaderSize+2, 1)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrPacketSizeTooSmall)
}

func TestNewPacketizerRandomSSRC(t *testing.T) {
	p, err := NewPacketizer(1200, 0)
	require.NoError(t, err)
	assert.NotZero(t, p.SSRC())

	fixed, err := NewPacketizer(1200, 0xCAFE)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFE), fixed.SSRC())
}

func TestPacketizerRespectsTargetSize(t *testing.T) {
	for _, target := range []int{100, 500, 1400} {
		p, err := NewPacketizer(target, 0x42)
		require.NoError(t, err)

		unit := &au.AccessUnit{
			RTPTimestamp: 123456,
			NALUnits: []au.NALUnit{
				au.NewNALUnit(testSPS),
				au.NewNALUnit(testPPS),
				au.NewNALUnit(largeIDR(4000)),
			},
		}
		packets := p.Packetize(unit)
		require.NotEmpty(t, packets)

		for i, pkt := range packets {
			raw, err := pkt.Marshal()
			require.NoError(t, err)
			assert.LessOrEqual(t, len(raw), target, "target %d packet %d", target, i)
			assert.Equal(t, uint32(123456), pkt.Timestamp)
			assert.Equal(t, uint32(0x42), pkt.SSRC)
			assert.Equal(t, i == len(packets)-1, pkt.Marker)
			if i > 0 {
				assert.Equal(t, packets[i-1].SequenceNumber+1, pkt.SequenceNumber)
			}
		}

		count, _ := p.Counts()
		assert.Zero(t, count, "building packets does not count them as sent")
	}
}

func TestPacketizerCountsRecordedPackets(t *testing.T) {
	p, err := NewPacketizer(500, 0x42)
	require.NoError(t, err)

	packets := p.Packetize(&au.AccessUnit{
		RTPTimestamp: 3000,
		NALUnits:     []au.NALUnit{au.NewNALUnit(largeIDR(4000))},
	})
	require.Greater(t, len(packets), 2)

	// Only the first two made it onto the network.
	p.RecordSent(packets[0])
	p.RecordSent(packets[1])

	count, octets := p.Counts()
	assert.Equal(t, uint32(2), count)
	assert.Equal(t, uint32(len(packets[0].Payload)+len(packets[1].Payload)), octets)
}

func TestPacketizerRoundTrip(t *testing.T) {
	p, err := NewPacketizer(600, 0x77)
	require.NoError(t, err)
	r := NewReassembler(ReassemblerConfig{})

	idr := largeIDR(2500)
	sources := []*au.AccessUnit{
		{
			RTPTimestamp: 9000,
			NALUnits:     []au.NALUnit{au.NewNALUnit(testSPS), au.NewNALUnit(testPPS), au.NewNALUnit(idr)},
		},
		{
			RTPTimestamp: 12000,
			NALUnits:     []au.NALUnit{au.NewNALUnit(testP), au.NewNALUnit(testB)},
		},
	}

	var units []*au.AccessUnit
	for _, src := range sources {
		for _, pkt := range p.Packetize(src) {
			raw, err := pkt.Marshal()
			require.NoError(t, err)
			units = append(units, push(t, r, raw, time.Now())...)
		}
	}

	require.Len(t, units, 2)
	assert.Equal(t, [][]byte{testSPS, testPPS, idr}, units[0].Data())
	assert.Equal(t, h264.SyncIDR, units[0].SyncType)
	assert.Equal(t, [][]byte{testP, testB}, units[1].Data())
	for _, unit := range units {
		assert.True(t, unit.Complete)
	}
	assert.Zero(t, r.Stats().PacketsLost)
}
