package rtp

import (
	"math"
	"sync"
	"time"
)

// DefaultMonitorPoints is the number of packets the reception monitor keeps.
const DefaultMonitorPoints = 2048

// Monitoring summarizes reception over a time window ending at the newest
// packet.
type Monitoring struct {
	RealTimeInterval    time.Duration
	ReceptionTimeJitter time.Duration
	BytesReceived       uint64
	MeanPacketSize      uint32
	PacketSizeStdDev    uint32
	PacketsReceived     uint32
	PacketsMissed       uint32
}

type monitorPoint struct {
	recvTime      time.Time
	rtpTimestamp  uint32
	bytes         int
	missingBefore int
}

// Monitor keeps a ring of recent packet arrivals for reception statistics.
// It is written by the ingestion activity and read from any goroutine.
type Monitor struct {
	mu     sync.Mutex
	points []monitorPoint
	next   int
	count  int
}

// NewMonitor creates a monitor holding up to size points.
func NewMonitor(size int) *Monitor {
	if size <= 0 {
		size = DefaultMonitorPoints
	}
	return &Monitor{points: make([]monitorPoint, size)}
}

// Record adds one packet arrival.
func (m *Monitor) Record(recvTime time.Time, rtpTimestamp uint32, bytes, missingBefore int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points[m.next] = monitorPoint{
		recvTime:      recvTime,
		rtpTimestamp:  rtpTimestamp,
		bytes:         bytes,
		missingBefore: missingBefore,
	}
	m.next = (m.next + 1) % len(m.points)
	if m.count < len(m.points) {
		m.count++
	}
}

// Compute summarizes the points received within window before the newest
// one. A zero window covers every stored point. The second result is false
// when there is nothing to report.
func (m *Monitor) Compute(window time.Duration) (Monitoring, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return Monitoring{}, false
	}

	newest := m.points[(m.next-1+len(m.points))%len(m.points)]

	var (
		selected           []monitorPoint
		bytes              uint64
		missed             int
		sizeSum, sizeSqSum float64
	)
	for i := 0; i < m.count; i++ {
		p := m.points[(m.next-1-i+2*len(m.points))%len(m.points)]
		if window > 0 && newest.recvTime.Sub(p.recvTime) > window {
			break
		}
		selected = append(selected, p)
		bytes += uint64(p.bytes)
		missed += p.missingBefore
		sizeSum += float64(p.bytes)
		sizeSqSum += float64(p.bytes) * float64(p.bytes)
	}

	n := float64(len(selected))
	mean := sizeSum / n
	variance := sizeSqSum/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	// Reception jitter is the standard deviation of the offset between
	// arrival time and media time, both taken relative to the newest point.
	var offSum, offSqSum float64
	for _, p := range selected {
		media := float64(int32(p.rtpTimestamp-newest.rtpTimestamp)) / 90000 * float64(time.Second)
		arrival := float64(p.recvTime.Sub(newest.recvTime))
		off := arrival - media
		offSum += off
		offSqSum += off * off
	}
	offMean := offSum / n
	offVar := offSqSum/n - offMean*offMean
	if offVar < 0 {
		offVar = 0
	}

	oldest := selected[len(selected)-1]
	return Monitoring{
		RealTimeInterval:    newest.recvTime.Sub(oldest.recvTime),
		ReceptionTimeJitter: time.Duration(math.Sqrt(offVar)),
		BytesReceived:       bytes,
		MeanPacketSize:      uint32(mean),
		PacketSizeStdDev:    uint32(math.Sqrt(variance)),
		PacketsReceived:     uint32(len(selected)),
		PacketsMissed:       uint32(missed),
	}, true
}
