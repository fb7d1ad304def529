package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackPair returns two endpoints on 127.0.0.1 that send to each other.
func newLoopbackPair(t *testing.T, maxPacketSize int) (*Endpoint, *Endpoint) {
	t.Helper()

	a, err := NewEndpoint(EndpointConfig{
		LocalAddress:  "127.0.0.1",
		MaxPacketSize: maxPacketSize,
		ReadTimeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	aStream := a.LocalStreamAddr().(*net.UDPAddr)
	aControl := a.LocalControlAddr().(*net.UDPAddr)

	b, err := NewEndpoint(EndpointConfig{
		LocalAddress:      "127.0.0.1",
		RemoteAddress:     "127.0.0.1",
		RemoteStreamPort:  aStream.Port,
		RemoteControlPort: aControl.Port,
		MaxPacketSize:     maxPacketSize,
		ReadTimeout:       50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return a, b
}

func TestEndpointStreamAndControlRoundTrip(t *testing.T) {
	receiver, sender := newLoopbackPair(t, 1500)

	require.NoError(t, sender.SendStream([]byte("stream-datagram")))
	require.NoError(t, sender.SendControl([]byte("control-datagram")))

	buf := make([]byte, 1500)
	n, from, err := receiver.ReceiveStream(buf)
	require.NoError(t, err)
	assert.Equal(t, "stream-datagram", string(buf[:n]))
	assert.Equal(t, sender.LocalStreamAddr().String(), from.String())

	n, _, err = receiver.ReceiveControl(buf)
	require.NoError(t, err)
	assert.Equal(t, "control-datagram", string(buf[:n]))
}

func TestEndpointRejectsOversizedPackets(t *testing.T) {
	_, sender := newLoopbackPair(t, 100)

	err := sender.SendStream(make([]byte, 101))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
	assert.ErrorIs(t, err, ErrTransport)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "send stream", transportErr.Op)

	assert.NoError(t, sender.SendStream(make([]byte, 100)))
}

func TestEndpointReceiveTimeout(t *testing.T) {
	receiver, _ := newLoopbackPair(t, 1500)

	start := time.Now()
	_, _, err := receiver.ReceiveStream(make([]byte, 1500))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEndpointSendWithoutRemote(t *testing.T) {
	receiver, _ := newLoopbackPair(t, 1500)

	err := receiver.SendStream([]byte{1})
	assert.ErrorIs(t, err, ErrNoRemote)
	assert.Nil(t, receiver.RemoteStreamAddr())

	require.NoError(t, receiver.SendStreamTo([]byte{1}, receiver.LocalStreamAddr()))
	n, _, err := receiver.ReceiveStream(make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	receiver, _ := newLoopbackPair(t, 1500)

	assert.NoError(t, receiver.Close())
	assert.NoError(t, receiver.Close())

	_, _, err := receiver.ReceiveStream(make([]byte, 16))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, receiver.SendStreamTo([]byte{1}, receiver.LocalStreamAddr()), ErrClosed)
}

func TestEndpointCloseUnblocksReceive(t *testing.T) {
	receiver, err := NewEndpoint(EndpointConfig{
		LocalAddress:  "127.0.0.1",
		MaxPacketSize: 1500,
		ReadTimeout:   5 * time.Second,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := receiver.ReceiveStream(make([]byte, 16))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, receiver.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock on close")
	}
}

func TestNewEndpointReleasesSocketsOnFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.LocalAddr().(*net.UDPAddr).Port

	// Stream binds, control collides with the port held above.
	ep, err := NewEndpoint(EndpointConfig{
		LocalAddress:     "127.0.0.1",
		LocalControlPort: port,
		MaxPacketSize:    1500,
	})
	assert.Nil(t, ep)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "listen", transportErr.Op)
}

func TestNewEndpointInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  EndpointConfig
	}{
		{"zero packet size", EndpointConfig{LocalAddress: "127.0.0.1"}},
		{"remote port out of range", EndpointConfig{
			LocalAddress:     "127.0.0.1",
			RemoteAddress:    "127.0.0.1",
			RemoteStreamPort: 70000,
			MaxPacketSize:    1500,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := NewEndpoint(tt.cfg)
			assert.Nil(t, ep)
			assert.True(t, errors.Is(err, ErrTransport))
		})
	}
}

func TestTransportErrorFormatting(t *testing.T) {
	withAddr := newTransportError("send", "127.0.0.1:5004", ErrPacketTooLarge)
	assert.Equal(t, "transport send 127.0.0.1:5004: packet exceeds max packet size", withAddr.Error())

	noAddr := newTransportError("close", "", errors.New("boom"))
	assert.Equal(t, "transport close: boom", noAddr.Error())
	assert.Equal(t, "boom", errors.Unwrap(noAddr).Error())
}
