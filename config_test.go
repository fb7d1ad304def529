package avstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaultsAreValid(t *testing.T) {
	cfg := NewConfig("127.0.0.1")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultServerStreamPort, cfg.ServerStreamPort)
	assert.Equal(t, DefaultClientControlPort, cfg.ClientControlPort)
	assert.True(t, cfg.Filter.WaitForSync)
	assert.NotNil(t, cfg.DropPolicy)

	require.NoError(t, NewResenderConfig("127.0.0.1").Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{"missing server", func(c *Config) { c.ServerAddress = "" }, "ServerAddress"},
		{"zero server stream port", func(c *Config) { c.ServerStreamPort = 0 }, "ServerStreamPort"},
		{"server control port too large", func(c *Config) { c.ServerControlPort = 70000 }, "ServerControlPort"},
		{"negative client port", func(c *Config) { c.ClientStreamPort = -1 }, "ClientStreamPort"},
		{"packet too small", func(c *Config) { c.MaxPacketSize = 14 }, "MaxPacketSize"},
		{"packet too large", func(c *Config) { c.MaxPacketSize = MaxUDPPayload + 1 }, "MaxPacketSize"},
		{"negative bitrate", func(c *Config) { c.MaxBitrate = -1 }, "MaxBitrate"},
		{"negative latency", func(c *Config) { c.MaxLatency = -time.Millisecond }, "MaxLatency"},
		{"network latency above total", func(c *Config) { c.MaxNetworkLatency = 300 * time.Millisecond }, "MaxNetworkLatency"},
		{"empty fifo", func(c *Config) { c.AUFifoSize = 0 }, "AUFifoSize"},
		{"negative gap", func(c *Config) { c.DiscontinuityGap = -1 }, "DiscontinuityGap"},
		{"negative timeout", func(c *Config) { c.ReadTimeout = -time.Second }, "ReadTimeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("127.0.0.1")
			tt.modify(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)

			var configErr *ConfigError
			require.True(t, errors.As(err, &configErr))
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}

func TestConfigAllowsEphemeralClientPorts(t *testing.T) {
	cfg := NewConfig("127.0.0.1")
	cfg.ClientStreamPort = 0
	cfg.ClientControlPort = 0
	assert.NoError(t, cfg.Validate())
}

func TestResenderConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *ResenderConfig)
		field  string
	}{
		{"missing client", func(c *ResenderConfig) { c.ClientAddress = "" }, "ClientAddress"},
		{"zero client port", func(c *ResenderConfig) { c.ClientStreamPort = 0 }, "ClientStreamPort"},
		{"target too small", func(c *ResenderConfig) { c.TargetPacketSize = 10 }, "TargetPacketSize"},
		{"target above max", func(c *ResenderConfig) { c.TargetPacketSize = c.MaxPacketSize + 1 }, "TargetPacketSize"},
		{"empty fifo", func(c *ResenderConfig) { c.AUFifoSize = -3 }, "AUFifoSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewResenderConfig("127.0.0.1")
			tt.modify(&cfg)

			var configErr *ConfigError
			require.ErrorAs(t, cfg.Validate(), &configErr)
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}

func TestSocketBufferSize(t *testing.T) {
	assert.Equal(t, 0, socketBufferSize(0, 1_000_000))
	assert.Equal(t, 0, socketBufferSize(100*time.Millisecond, 0))
	assert.Equal(t, 50_000, socketBufferSize(100*time.Millisecond, 2_000_000))
}
