package control

import "errors"

var (
	// ErrMalformedReport indicates a control datagram that is not valid RTCP.
	ErrMalformedReport = errors.New("malformed RTCP packet")

	// ErrNoSenderReport indicates a receiver report was requested before any
	// sender report arrived, so there is nothing to report against.
	ErrNoSenderReport = errors.New("no sender report received yet")
)
