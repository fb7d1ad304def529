package control

import "time"

const (
	// MinReportInterval is the shortest delay between two reports.
	MinReportInterval = 100 * time.Millisecond

	// bandwidthShareDenominator gives RTCP 1/40 (2.5%) of the media bitrate.
	bandwidthShareDenominator = 40

	// defaultRTCPBitrate is the report bitrate used when the media bitrate
	// is unknown.
	defaultRTCPBitrate = 25000

	// udpIPOverhead is the UDP plus IPv4 header size charged per report.
	udpIPOverhead = 28
)

// reportByteRate returns the bytes per second reports may use.
func reportByteRate(maxBitrate int) int {
	if maxBitrate > 0 {
		if rate := maxBitrate / bandwidthShareDenominator / 8; rate > 0 {
			return rate
		}
		return 1
	}
	return defaultRTCPBitrate / 8
}

// nextReportDelay spaces reports so that a report of size bytes stays within
// the byte rate.
func nextReportDelay(size, byteRate int) time.Duration {
	d := time.Duration(size+udpIPOverhead) * time.Second / time.Duration(byteRate)
	if d < MinReportInterval {
		return MinReportInterval
	}
	return d
}
