// Package filter gates reassembled access units and hands them to an
// application consumer without copying through the pipeline.
//
// The Filter pops access units from the latency FIFO in capture order. With
// WaitForSync it drops everything until it has seen an SPS, a PPS and a
// sync point (an IDR, an all-intra frame or the start of an intra refresh
// cycle) that it could deliver, and it falls back to waiting after every
// stream discontinuity. Incomplete units are dropped unless OutputIncompleteAU is
// set, and parameter sets or SEI can be stripped from what is delivered.
//
// Delivery follows a fixed protocol with the Consumer:
//
//  1. ParametersReady(sps, pps) when parameter sets are captured; the
//     consumer answers with the buffers it lends to the pipeline.
//  2. AcquireBuffer() for each access unit; "none available" drops it.
//  3. The access unit is written into the buffer.
//  4. BufferReady(index, written, ...) passes the buffer to the consumer,
//     which keeps it until Exchange.Release.
//
// Failures inside consumer code, panics included, are contained at the call
// and cost only the access unit being delivered. A refusal of the parameter
// sets is fatal and stops the output loop.
package filter
