package control

import "time"

// ntpEpochOffset is the number of seconds between 1900-01-01 and the Unix
// epoch.
const ntpEpochOffset = 2208988800

// ToNTP converts t to a 64-bit NTP timestamp (32.32 fixed point seconds
// since 1900).
func ToNTP(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// FromNTP converts a 64-bit NTP timestamp back to a time.
func FromNTP(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	nanos := int64(((ntp & 0xFFFFFFFF) * uint64(time.Second)) >> 32)
	return time.Unix(secs, nanos)
}

// middle32 returns the compact NTP form used by LSR fields.
func middle32(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// toCompact converts a duration to 1/65536 second units, as in DLSR.
func toCompact(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d * 65536 / time.Second)
}

// fromCompact converts 1/65536 second units to a duration.
func fromCompact(v uint32) time.Duration {
	return time.Duration(v) * time.Second / 65536
}
