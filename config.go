package avstream

import (
	"time"

	"github.com/opd-ai/avstream/filter"
	"github.com/opd-ai/avstream/rtp"
)

// Default ports and limits.
const (
	DefaultServerStreamPort  = 5004
	DefaultServerControlPort = 5005
	DefaultClientStreamPort  = 55004
	DefaultClientControlPort = 55005

	DefaultMaxPacketSize     = 1500
	DefaultTargetPacketSize  = 1200
	DefaultMaxLatency        = 200 * time.Millisecond
	DefaultMaxNetworkLatency = 100 * time.Millisecond
	DefaultAUFifoSize        = 16

	// MaxUDPPayload is the largest payload an IPv4 UDP datagram can carry.
	MaxUDPPayload = 65507
)

// FilterConfig selects the output filter's behaviour.
type FilterConfig = filter.Config

// Config holds the parameters of a receiving session. It is copied by New
// and never changed afterwards.
type Config struct {
	// ServerAddress is the sender's host; reports are sent there.
	ServerAddress     string
	ServerStreamPort  int
	ServerControlPort int
	// Client ports are bound locally; 0 picks an ephemeral port.
	ClientStreamPort  int
	ClientControlPort int

	MaxPacketSize int
	// MaxBitrate in bits per second; 0 disables shaping.
	MaxBitrate int
	// MaxLatency is the total budget from reception to delivery.
	// MaxNetworkLatency is the part of it spent absorbing jitter.
	// Zero leaves either unconstrained.
	MaxLatency        time.Duration
	MaxNetworkLatency time.Duration

	AUFifoSize int
	Filter     FilterConfig

	// DropPolicy picks what to drop above MaxBitrate.
	// nil means rtp.DropNonReference.
	DropPolicy rtp.DropPolicy
	// DiscontinuityGap is the sequence jump that restarts synchronization.
	DiscontinuityGap int
	ReadTimeout      time.Duration
	TimeProvider     rtp.TimeProvider
}

// NewConfig returns a Config with default settings for the given sender.
func NewConfig(serverAddress string) Config {
	return Config{
		ServerAddress:     serverAddress,
		ServerStreamPort:  DefaultServerStreamPort,
		ServerControlPort: DefaultServerControlPort,
		ClientStreamPort:  DefaultClientStreamPort,
		ClientControlPort: DefaultClientControlPort,
		MaxPacketSize:     DefaultMaxPacketSize,
		MaxLatency:        DefaultMaxLatency,
		MaxNetworkLatency: DefaultMaxNetworkLatency,
		AUFifoSize:        DefaultAUFifoSize,
		Filter: FilterConfig{
			WaitForSync: true,
		},
		DropPolicy:       rtp.DropNonReference,
		DiscontinuityGap: rtp.DefaultDiscontinuityGap,
		ReadTimeout:      100 * time.Millisecond,
	}
}

// Validate checks the configuration and returns a *ConfigError for the
// first invalid field.
func (c Config) Validate() error {
	if c.ServerAddress == "" {
		return &ConfigError{Field: "ServerAddress", Reason: "required"}
	}
	if err := checkPort("ServerStreamPort", c.ServerStreamPort, false); err != nil {
		return err
	}
	if err := checkPort("ServerControlPort", c.ServerControlPort, false); err != nil {
		return err
	}
	if err := checkPort("ClientStreamPort", c.ClientStreamPort, true); err != nil {
		return err
	}
	if err := checkPort("ClientControlPort", c.ClientControlPort, true); err != nil {
		return err
	}
	if err := checkPacketSize("MaxPacketSize", c.MaxPacketSize); err != nil {
		return err
	}
	if err := checkBudget(c.MaxBitrate, c.MaxLatency, c.MaxNetworkLatency); err != nil {
		return err
	}
	if c.AUFifoSize <= 0 {
		return &ConfigError{Field: "AUFifoSize", Reason: "must be positive"}
	}
	if c.DiscontinuityGap < 0 {
		return &ConfigError{Field: "DiscontinuityGap", Reason: "must not be negative"}
	}
	if c.ReadTimeout < 0 {
		return &ConfigError{Field: "ReadTimeout", Reason: "must not be negative"}
	}
	return nil
}

// ResenderConfig holds the parameters of a resend path. The resender binds
// the server ports locally and sends to the client.
type ResenderConfig struct {
	ClientAddress     string
	ServerStreamPort  int // 0 picks an ephemeral port
	ServerControlPort int // 0 picks an ephemeral port
	ClientStreamPort  int
	ClientControlPort int

	MaxPacketSize int
	// TargetPacketSize is the datagram size access units are re-fragmented
	// to. It must not exceed MaxPacketSize.
	TargetPacketSize  int
	MaxBitrate        int
	MaxLatency        time.Duration
	MaxNetworkLatency time.Duration
	AUFifoSize        int
}

// NewResenderConfig returns a ResenderConfig with default settings for the
// given downstream client.
func NewResenderConfig(clientAddress string) ResenderConfig {
	return ResenderConfig{
		ClientAddress:     clientAddress,
		ClientStreamPort:  DefaultClientStreamPort,
		ClientControlPort: DefaultClientControlPort,
		MaxPacketSize:     DefaultMaxPacketSize,
		TargetPacketSize:  DefaultTargetPacketSize,
		MaxLatency:        DefaultMaxLatency,
		MaxNetworkLatency: DefaultMaxNetworkLatency,
		AUFifoSize:        DefaultAUFifoSize,
	}
}

// Validate checks the configuration and returns a *ConfigError for the
// first invalid field.
func (c ResenderConfig) Validate() error {
	if c.ClientAddress == "" {
		return &ConfigError{Field: "ClientAddress", Reason: "required"}
	}
	if err := checkPort("ServerStreamPort", c.ServerStreamPort, true); err != nil {
		return err
	}
	if err := checkPort("ServerControlPort", c.ServerControlPort, true); err != nil {
		return err
	}
	if err := checkPort("ClientStreamPort", c.ClientStreamPort, false); err != nil {
		return err
	}
	if err := checkPort("ClientControlPort", c.ClientControlPort, false); err != nil {
		return err
	}
	if err := checkPacketSize("MaxPacketSize", c.MaxPacketSize); err != nil {
		return err
	}
	if err := checkPacketSize("TargetPacketSize", c.TargetPacketSize); err != nil {
		return err
	}
	if c.TargetPacketSize > c.MaxPacketSize {
		return &ConfigError{Field: "TargetPacketSize", Reason: "exceeds MaxPacketSize"}
	}
	if err := checkBudget(c.MaxBitrate, c.MaxLatency, c.MaxNetworkLatency); err != nil {
		return err
	}
	if c.AUFifoSize <= 0 {
		return &ConfigError{Field: "AUFifoSize", Reason: "must be positive"}
	}
	return nil
}

func checkPort(field string, port int, allowZero bool) error {
	if port < 0 || port > 65535 {
		return &ConfigError{Field: field, Reason: "out of range"}
	}
	if port == 0 && !allowZero {
		return &ConfigError{Field: field, Reason: "required"}
	}
	return nil
}

func checkPacketSize(field string, size int) error {
	if size <= rtp.HeaderSize+2 {
		return &ConfigError{Field: field, Reason: "too small for an RTP packet"}
	}
	if size > MaxUDPPayload {
		return &ConfigError{Field: field, Reason: "exceeds UDP payload limit"}
	}
	return nil
}

func checkBudget(maxBitrate int, maxLatency, maxNetworkLatency time.Duration) error {
	if maxBitrate < 0 {
		return &ConfigError{Field: "MaxBitrate", Reason: "must not be negative"}
	}
	if maxLatency < 0 {
		return &ConfigError{Field: "MaxLatency", Reason: "must not be negative"}
	}
	if maxNetworkLatency < 0 {
		return &ConfigError{Field: "MaxNetworkLatency", Reason: "must not be negative"}
	}
	if maxLatency > 0 && maxNetworkLatency > maxLatency {
		return &ConfigError{Field: "MaxNetworkLatency", Reason: "exceeds MaxLatency"}
	}
	return nil
}

// socketBufferSize sizes a socket buffer to hold twice the data in flight
// during maxNetworkLatency at maxBitrate. It returns 0, meaning the system
// default, when either is unset.
func socketBufferSize(maxNetworkLatency time.Duration, maxBitrate int) int {
	if maxNetworkLatency <= 0 || maxBitrate <= 0 {
		return 0
	}
	return int(maxNetworkLatency.Seconds() * float64(maxBitrate) * 2 / 8)
}
