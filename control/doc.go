// Package control implements the RTCP side of a stream: sender reports,
// receiver reports and source descriptions, encoded with pion/rtcp.
//
// A Receiver consumes the sender's reports and builds receiver reports from
// the reassembler's counters. No receiver report is produced before the
// first sender report, since the LSR and DLSR fields need one. A Sender does
// the opposite for a resent stream and derives the round-trip time from the
// receiver reports it gets back.
//
// Report spacing follows the RTCP bandwidth share: NextReportDelay charges
// each report, with UDP and IP headers, against 2.5% of the media bitrate
// and never goes below MinReportInterval.
package control
