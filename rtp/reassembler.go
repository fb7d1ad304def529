package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/avstream/au"
	"github.com/opd-ai/avstream/h264"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

const (
	// ClockRate is the RTP clock rate of H.264 video.
	ClockRate = 90000

	// DefaultDiscontinuityGap is the sequence jump, in packets, past which
	// the stream is considered restarted.
	DefaultDiscontinuityGap = 512

	// maxMisorder is how far behind the highest sequence number a packet may
	// be and still count as late rather than as a sender restart.
	maxMisorder = 100
)

// ErrMalformedPacket indicates a datagram that is not a usable RTP packet.
var ErrMalformedPacket = errors.New("malformed RTP packet")

// ReassemblerConfig holds the reassembler's latency, bitrate and loss
// handling parameters.
type ReassemblerConfig struct {
	MaxLatency        time.Duration
	MaxNetworkLatency time.Duration
	MaxBitrate        int
	DropPolicy        DropPolicy
	DiscontinuityGap  int
	MonitorPoints     int
	TimeProvider      TimeProvider
}

// Stats holds reassembler counters.
// Packet reception counters restart when the SSRC changes.
type Stats struct {
	SSRC uint32

	PacketsReceived    uint64
	PacketsLost        uint64
	PacketsLate        uint64
	PacketsMalformed   uint64
	PacketsUnsupported uint64
	BytesReceived      uint64

	// ExtendedHighestSeq and BaseSeq give the expected packet count for
	// receiver reports.
	ExtendedHighestSeq uint32
	BaseSeq            uint32

	AUsEmitted    uint64
	AUsIncomplete uint64
	AUsShaped     uint64
	AUsEmpty      uint64

	Jitter         time.Duration
	AppliedLatency time.Duration
}

// PacketsExpected returns the number of packets the sequence numbers say
// should have arrived.
func (s Stats) PacketsExpected() uint64 {
	if s.PacketsReceived == 0 && s.PacketsLost == 0 {
		return 0
	}
	return uint64(s.ExtendedHighestSeq-s.BaseSeq) + 1
}

// assembly is the access unit currently being filled.
type assembly struct {
	unit     *au.AccessUnit
	fu       []byte
	inFU     bool
	openedAt time.Time
}

// Reassembler turns RTP packets carrying H.264 (RFC 6184) into access units.
//
// Packets sharing an RTP timestamp form one access unit. A unit closes when
// its marker packet arrives or when a packet of the next unit arrives.
// Sequence gaps mark the units they may have hit as incomplete.
type Reassembler struct {
	mu  sync.Mutex
	cfg ReassemblerConfig
	tp  TimeProvider

	hasSSRC bool
	ssrc    uint32

	hasSeq  bool
	lastSeq uint16
	cycles  uint32

	hasTS  bool
	lastTS uint32
	extTS  uint64
	baseTS uint64

	cur                  *assembly
	pendingLoss          int
	pendingDiscontinuity bool

	latency *LatencyEstimator
	shaper  *Shaper
	monitor *Monitor
	stats   Stats
}

// NewReassembler creates a reassembler.
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	if cfg.DiscontinuityGap <= 0 {
		cfg.DiscontinuityGap = DefaultDiscontinuityGap
	}

	logrus.WithFields(logrus.Fields{
		"function":            "NewReassembler",
		"max_latency":         cfg.MaxLatency,
		"max_network_latency": cfg.MaxNetworkLatency,
		"max_bitrate":         cfg.MaxBitrate,
	}).Debug("Creating access unit reassembler")

	return &Reassembler{
		cfg:     cfg,
		tp:      getTimeProvider(cfg.TimeProvider),
		latency: NewLatencyEstimator(cfg.MaxLatency, cfg.MaxNetworkLatency),
		shaper:  NewShaper(cfg.MaxBitrate, cfg.DropPolicy),
		monitor: NewMonitor(cfg.MonitorPoints),
	}
}

// Monitor returns the reception monitor fed by Push.
func (r *Reassembler) Monitor() *Monitor {
	return r.monitor
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.Jitter = r.latency.Jitter()
	s.AppliedLatency = r.latency.Applied()
	return s
}

// Push processes one datagram received at recvTime and returns the access
// units it closed, oldest first. The datagram is not retained.
//
// Parameters:
//   - datagram: raw RTP packet bytes
//   - recvTime: local arrival time
//
// Returns:
//   - []*au.AccessUnit: closed access units in capture order
//   - error: ErrMalformedPacket for unparsable input
func (r *Reassembler) Push(datagram []byte, recvTime time.Time) ([]*au.AccessUnit, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		r.mu.Lock()
		r.stats.PacketsMalformed++
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if len(pkt.Payload) == 0 {
		r.mu.Lock()
		r.stats.PacketsMalformed++
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPacket)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*au.AccessUnit

	if r.hasSSRC && pkt.SSRC != r.ssrc {
		logrus.WithFields(logrus.Fields{
			"function": "Reassembler.Push",
			"old_ssrc": r.ssrc,
			"new_ssrc": pkt.SSRC,
		}).Warn("SSRC changed, restarting stream state")
		out = r.restart(out)
	}
	if !r.hasSSRC {
		r.hasSSRC = true
		r.ssrc = pkt.SSRC
		r.stats.SSRC = pkt.SSRC
	}

	missing, accept := r.trackSequence(pkt.SequenceNumber)
	if !accept {
		r.stats.PacketsLate++
		return out, nil
	}
	r.stats.PacketsReceived++
	r.stats.BytesReceived += uint64(len(datagram))
	r.monitor.Record(recvTime, pkt.Timestamp, len(datagram), missing)

	extTS := r.unwrapTimestamp(pkt.Timestamp)

	if missing > 0 {
		r.stats.PacketsLost += uint64(missing)
		if missing > r.cfg.DiscontinuityGap {
			r.pendingDiscontinuity = true
		}
		r.chargeLoss(pkt.Timestamp, missing)
	}

	if r.cur != nil && r.cur.unit.RTPTimestamp != pkt.Timestamp {
		out = r.close(out)
	}
	if r.cur == nil {
		r.open(pkt.Timestamp, extTS, recvTime)
	}

	r.depacketize(pkt.Payload)

	if pkt.Marker {
		out = r.close(out)
	}
	return out, nil
}

// Expire closes the open access unit if it has waited longer than the
// network latency budget for its remaining packets. It is a no-op when
// MaxNetworkLatency is zero.
func (r *Reassembler) Expire(now time.Time) []*au.AccessUnit {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == nil || r.cfg.MaxNetworkLatency <= 0 {
		return nil
	}
	if now.Sub(r.cur.openedAt) <= r.cfg.MaxNetworkLatency {
		return nil
	}

	// No marker arrived, so the tail may be missing.
	r.cur.unit.Complete = false
	return r.close(nil)
}

// Flush closes the open access unit regardless of its state.
func (r *Reassembler) Flush() []*au.AccessUnit {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == nil {
		return nil
	}
	return r.close(nil)
}

// restart flushes the open unit and forgets sequence and timestamp state.
func (r *Reassembler) restart(out []*au.AccessUnit) []*au.AccessUnit {
	if r.cur != nil {
		r.cur.unit.Complete = false
		out = r.close(out)
	}
	r.hasSSRC = false
	r.hasSeq = false
	r.hasTS = false
	r.cycles = 0
	r.pendingLoss = 0
	r.pendingDiscontinuity = true
	r.latency.Reset()

	// Reception counters describe the current source only.
	r.stats.PacketsReceived = 0
	r.stats.PacketsLost = 0
	return out
}

// trackSequence updates the highest sequence number and returns how many
// packets are missing before seq. accept is false for duplicate or late
// packets, which are dropped.
func (r *Reassembler) trackSequence(seq uint16) (missing int, accept bool) {
	if !r.hasSeq {
		r.hasSeq = true
		r.lastSeq = seq
		r.cycles = 0
		r.stats.BaseSeq = uint32(seq)
		r.stats.ExtendedHighestSeq = uint32(seq)
		return 0, true
	}

	diff := int(int16(seq - r.lastSeq))
	switch {
	case diff > 0:
		if seq < r.lastSeq {
			r.cycles += 1 << 16
		}
		r.lastSeq = seq
		r.stats.ExtendedHighestSeq = r.cycles | uint32(seq)
		return diff - 1, true
	case diff < -maxMisorder:
		// The sender restarted its numbering. Counting restarts from this
		// packet, as for a new source.
		logrus.WithFields(logrus.Fields{
			"function": "Reassembler.trackSequence",
			"last_seq": r.lastSeq,
			"seq":      seq,
		}).Warn("Sequence jump backwards, resynchronizing")
		r.lastSeq = seq
		r.cycles = 0
		r.stats.BaseSeq = uint32(seq)
		r.stats.ExtendedHighestSeq = uint32(seq)
		r.stats.PacketsReceived = 0
		r.stats.PacketsLost = 0
		r.pendingDiscontinuity = true
		return 0, true
	default:
		return 0, false
	}
}

func (r *Reassembler) unwrapTimestamp(ts uint32) uint64 {
	if !r.hasTS {
		r.hasTS = true
		r.lastTS = ts
		r.extTS = uint64(ts)
		r.baseTS = r.extTS
		return r.extTS
	}
	delta := int64(int32(ts - r.lastTS))
	if delta < 0 && uint64(-delta) > r.extTS-r.baseTS {
		delta = 0
	}
	r.lastTS = ts
	r.extTS = uint64(int64(r.extTS) + delta)
	return r.extTS
}

// chargeLoss marks the units the lost packets may have belonged to. If the
// open unit is the packet's own unit, only it is hit. If the packet starts
// a new unit, both the open unit and the new one may be missing packets.
// With no open unit (last one ended on its marker), only the new one is hit.
func (r *Reassembler) chargeLoss(ts uint32, missing int) {
	if r.cur != nil {
		r.cur.unit.Complete = false
		r.cur.unit.MissingPackets += missing
		abortFU(r.cur)
		if r.cur.unit.RTPTimestamp == ts {
			return
		}
	}
	r.pendingLoss += missing
}

func (r *Reassembler) open(ts uint32, extTS uint64, recvTime time.Time) {
	unit := &au.AccessUnit{
		ID:               extTS,
		RTPTimestamp:     ts,
		CaptureTimestamp: mediaDuration(extTS - r.baseTS),
		ReceivedAt:       recvTime,
		Complete:         true,
		Discontinuity:    r.pendingDiscontinuity,
	}
	if r.pendingLoss > 0 {
		unit.Complete = false
		unit.MissingPackets = r.pendingLoss
	}
	r.pendingLoss = 0
	r.pendingDiscontinuity = false
	r.cur = &assembly{unit: unit, openedAt: recvTime}
}

// mediaDuration converts 90 kHz clock ticks into a duration.
func mediaDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * (time.Second / 1000) / (ClockRate / 1000)
}

func (r *Reassembler) addNALU(data []byte) {
	nalu := make([]byte, len(data))
	copy(nalu, data)
	r.cur.unit.NALUnits = append(r.cur.unit.NALUnits, au.NewNALUnit(nalu))
}

// abortFU discards a partially rebuilt NAL unit, which leaves the access
// unit incomplete.
func (r *Reassembler) abortFU() {
	abortFU(r.cur)
}

// depacketize appends the NAL units carried by one RTP payload to the open
// access unit.
func (r *Reassembler) depacketize(payload []byte) {
	typ := h264.TypeOf(payload[0])
	switch {
	case typ >= h264.NALUTypeSlice && typ < h264.NALUTypeSTAPA:
		r.abortFU()
		r.addNALU(payload)

	case typ == h264.NALUTypeSTAPA:
		r.abortFU()
		offset := 1
		for offset+2 <= len(payload) {
			size := int(binary.BigEndian.Uint16(payload[offset:]))
			offset += 2
			if size == 0 {
				continue
			}
			if offset+size > len(payload) {
				r.cur.unit.Complete = false
				r.stats.PacketsMalformed++
				return
			}
			r.addNALU(payload[offset : offset+size])
			offset += size
		}

	case typ == h264.NALUTypeFUA:
		r.depacketizeFUA(payload)

	default:
		r.stats.PacketsUnsupported++
		logrus.WithFields(logrus.Fields{
			"function":  "Reassembler.depacketize",
			"nalu_type": typ.String(),
		}).Debug("Dropping unsupported packetization type")
	}
}

// depacketizeFUA rebuilds a fragmented NAL unit. The NAL header is the FU
// indicator's F and NRI bits combined with the FU header's type.
func (r *Reassembler) depacketizeFUA(payload []byte) {
	if len(payload) < 2 {
		r.cur.unit.Complete = false
		r.stats.PacketsMalformed++
		return
	}
	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0
	data := payload[2:]

	if start {
		r.abortFU()
		r.cur.fu = make([]byte, 0, 1+len(data)*4)
		r.cur.fu = append(r.cur.fu, (indicator&0xE0)|(header&0x1F))
		r.cur.fu = append(r.cur.fu, data...)
		r.cur.inFU = true
	} else {
		if !r.cur.inFU {
			// The start fragment was lost; the rest is unusable.
			r.cur.unit.Complete = false
			return
		}
		r.cur.fu = append(r.cur.fu, data...)
	}

	if end {
		r.cur.unit.NALUnits = append(r.cur.unit.NALUnits, au.NewNALUnit(r.cur.fu))
		r.cur.fu = nil
		r.cur.inFU = false
	}
}

// close finishes the open access unit and appends it to out unless it is
// empty or the shaper drops it.
func (r *Reassembler) close(out []*au.AccessUnit) []*au.AccessUnit {
	a := r.cur
	r.cur = nil
	abortFU(a)
	unit := a.unit

	if len(unit.NALUnits) == 0 {
		r.stats.AUsEmpty++
		if unit.Discontinuity {
			r.pendingDiscontinuity = true
		}
		return out
	}

	syncType, err := h264.Classify(unit.Data())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Reassembler.close",
			"au_id":    unit.ID,
			"error":    err.Error(),
		}).Debug("Access unit classification failed")
	}
	unit.SyncType = syncType

	unit.ShiftedTimestamp = unit.CaptureTimestamp + r.latency.Update(unit.CaptureTimestamp, unit.ReceivedAt)

	if !r.shaper.Admit(unit, r.tp.Now()) {
		r.stats.AUsShaped++
		if unit.Discontinuity {
			r.pendingDiscontinuity = true
		}
		logrus.WithFields(logrus.Fields{
			"function": "Reassembler.close",
			"au_id":    unit.ID,
			"size":     unit.Size(),
			"policy":   r.shaper.Policy().Name(),
		}).Debug("Access unit dropped by bitrate shaping")
		return out
	}

	if !unit.Complete {
		r.stats.AUsIncomplete++
	}
	r.stats.AUsEmitted++
	return append(out, unit)
}

func abortFU(a *assembly) {
	if a.inFU {
		a.inFU = false
		a.fu = nil
		a.unit.Complete = false
	}
}
