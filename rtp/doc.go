// Package rtp turns an RTP/H.264 packet stream into access units and back.
//
// It uses the pion/rtp library for header handling and for H.264
// fragmentation on the send side.
//
// # Receive side
//
// The Reassembler consumes raw datagrams, rebuilds NAL units from single
// NAL, STAP-A and FU-A packets (RFC 6184) and groups them into access units
// by RTP timestamp:
//
//	r := rtp.NewReassembler(rtp.ReassemblerConfig{
//	    MaxLatency:        200 * time.Millisecond,
//	    MaxNetworkLatency: 100 * time.Millisecond,
//	    MaxBitrate:        4_000_000,
//	})
//	units, err := r.Push(datagram, time.Now())
//
// Each unit carries a capture timestamp on the 90 kHz clock, a timestamp
// shifted by the latency the LatencyEstimator currently applies, a
// completeness flag and a sync classification. Sequence gaps mark the
// affected units incomplete. When a bitrate ceiling is set, a Shaper asks
// its DropPolicy which over-budget units to sacrifice.
//
// # Send side
//
// The Packetizer re-fragments access units for a different packet size,
// keeping their RTP timestamps:
//
//	p, err := rtp.NewPacketizer(1200, 0)
//	for _, pkt := range p.Packetize(unit) {
//	    raw, _ := pkt.Marshal()
//	    endpoint.SendStream(raw)
//	}
//
// # Monitoring
//
// The Monitor keeps the most recent packet arrivals and summarizes
// throughput, packet size spread, loss and reception jitter over a window.
package rtp
