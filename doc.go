// Package avstream receives a real-time H.264 video stream over RTP/UDP and
// delivers complete access units to an application with bounded latency.
//
// A [Session] owns a pair of UDP sockets (stream and control), reassembles
// RTP packets into access units, queues them in a bounded FIFO that evicts
// the oldest unit when full, and hands them to a [filter.Consumer] through
// a buffer-exchange protocol. It also answers the sender's RTCP reports
// with receiver reports describing loss and jitter.
//
// # Getting Started
//
//	cfg := avstream.NewConfig("192.168.1.10")
//	cfg.MaxBitrate = 4_000_000
//
//	session, err := avstream.New(cfg, consumer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Dispose()
//
//	if err := session.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Stop()
//
// # Lifecycle
//
// Sessions and resenders move through Created, Running, Stopping, Stopped
// and Disposed. Stop is idempotent and waits for every activity to exit.
// Dispose releases the sockets and is refused with a [*LifecycleError]
// while the session is running, leaving it intact.
//
// A session that sees ten consecutive transport failures becomes invalid:
// [Session.Err] returns the failure and delivery stops, but Stop and
// Dispose still work.
//
// # Consumer Protocol
//
// The consumer first receives the stream's SPS and PPS and answers with the
// output buffers it owns. For every access unit it then names a free buffer
// index, the filter fills it in Annex-B or AVCC framing and reports it with
// [filter.Consumer.BufferReady]. The consumer hands the buffer back with
// [filter.Exchange.Release] once it is done with it:
//
//	func (c *decoder) BufferReady(index, written int, capture, shifted time.Duration, sync h264.SyncType) error {
//	    c.decode(c.buffers[index][:written])
//	    return c.session.Exchange().Release(index)
//	}
//
// Consumer callbacks run on the output activity. They may call Release but
// must not call back into the filter.
//
// Delivery can be paused with [Session.StopAppOutput] while reception,
// control and resenders keep running. [Session.StartAppOutput] resumes it,
// optionally with a different consumer, which is given the parameter sets
// again before the next access unit.
//
// # Resending
//
// [Session.NewResender] forwards every reassembled access unit to another
// client. Each resender has its own sockets, FIFO, packet size, bitrate
// ceiling and RTCP sender context.
//
// # Errors
//
// Errors carry sentinels for [errors.Is] and typed values for [errors.As]:
// [ErrConfig] with [*ConfigError], [ErrLifecycle] with [*LifecycleError],
// and transport.ErrTransport with *transport.TransportError.
package avstream
