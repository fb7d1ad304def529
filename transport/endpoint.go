package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultReadTimeout bounds every receive so that loops can observe stop
// requests promptly.
const DefaultReadTimeout = 100 * time.Millisecond

// EndpointConfig describes the socket pair of one side of a stream.
type EndpointConfig struct {
	// LocalAddress is the interface to bind; empty binds all interfaces.
	LocalAddress      string
	LocalStreamPort   int // 0 picks an ephemeral port
	LocalControlPort  int // 0 picks an ephemeral port
	RemoteAddress     string
	RemoteStreamPort  int
	RemoteControlPort int

	// MaxPacketSize is the largest datagram SendStream and SendControl accept.
	MaxPacketSize int
	ReadTimeout   time.Duration
	// ReceiveBufferSize sets the stream socket's receive buffer when > 0.
	ReceiveBufferSize int
	// SendBufferSize sets the stream socket's send buffer when > 0.
	SendBufferSize int
}

// Endpoint owns the stream and control UDP sockets of a session and performs
// raw datagram I/O on them.
type Endpoint struct {
	stream  net.PacketConn
	control net.PacketConn

	remoteStream  net.Addr
	remoteControl net.Addr

	maxPacketSize int
	readTimeout   time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewEndpoint binds the stream and control sockets and resolves the remote
// addresses. On any failure the sockets already opened are closed again.
//
// Parameters:
//   - cfg: local and remote ports, packet size limit and socket tuning
//
// Returns:
//   - *Endpoint: bound endpoint ready for I/O
//   - error: a *TransportError describing the failing step
func NewEndpoint(cfg EndpointConfig) (ep *Endpoint, err error) {
	logrus.WithFields(logrus.Fields{
		"function":     "NewEndpoint",
		"local_stream": cfg.LocalStreamPort,
		"local_ctrl":   cfg.LocalControlPort,
		"remote":       cfg.RemoteAddress,
	}).Debug("Creating transport endpoint")

	if cfg.MaxPacketSize <= 0 {
		return nil, newTransportError("config", "", fmt.Errorf("invalid max packet size %d", cfg.MaxPacketSize))
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	ep = &Endpoint{
		maxPacketSize: cfg.MaxPacketSize,
		readTimeout:   readTimeout,
	}
	defer func() {
		if err != nil {
			_ = ep.Close()
			ep = nil
		}
	}()

	ep.stream, err = listen(cfg.LocalAddress, cfg.LocalStreamPort)
	if err != nil {
		return ep, err
	}
	ep.control, err = listen(cfg.LocalAddress, cfg.LocalControlPort)
	if err != nil {
		return ep, err
	}

	tuneBuffers(ep.stream, cfg.ReceiveBufferSize, cfg.SendBufferSize)

	if cfg.RemoteAddress != "" {
		if ep.remoteStream, err = resolve(cfg.RemoteAddress, cfg.RemoteStreamPort); err != nil {
			return ep, err
		}
		if ep.remoteControl, err = resolve(cfg.RemoteAddress, cfg.RemoteControlPort); err != nil {
			return ep, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewEndpoint",
		"stream_addr":  ep.stream.LocalAddr().String(),
		"control_addr": ep.control.LocalAddr().String(),
	}).Info("Transport endpoint bound")

	return ep, nil
}

func listen(host string, port int) (net.PacketConn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, newTransportError("listen", addr, err)
	}
	return conn, nil
}

func resolve(host string, port int) (net.Addr, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, newTransportError("resolve", addr, err)
	}
	return udpAddr, nil
}

// tuneBuffers applies socket buffer sizes when the connection supports it.
// Failures are logged; the OS default still works, only with less slack.
func tuneBuffers(conn net.PacketConn, recv, send int) {
	if recv > 0 {
		if rb, ok := conn.(interface{ SetReadBuffer(int) error }); ok {
			if err := rb.SetReadBuffer(recv); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "tuneBuffers",
					"size":     recv,
					"error":    err.Error(),
				}).Warn("Failed to set receive buffer size")
			}
		}
	}
	if send > 0 {
		if wb, ok := conn.(interface{ SetWriteBuffer(int) error }); ok {
			if err := wb.SetWriteBuffer(send); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "tuneBuffers",
					"size":     send,
					"error":    err.Error(),
				}).Warn("Failed to set send buffer size")
			}
		}
	}
}

// MaxPacketSize returns the send size limit.
func (e *Endpoint) MaxPacketSize() int {
	return e.maxPacketSize
}

// LocalStreamAddr returns the bound stream address.
func (e *Endpoint) LocalStreamAddr() net.Addr {
	return e.stream.LocalAddr()
}

// LocalControlAddr returns the bound control address.
func (e *Endpoint) LocalControlAddr() net.Addr {
	return e.control.LocalAddr()
}

// RemoteStreamAddr returns the configured remote stream address, or nil.
func (e *Endpoint) RemoteStreamAddr() net.Addr {
	return e.remoteStream
}

// RemoteControlAddr returns the configured remote control address, or nil.
func (e *Endpoint) RemoteControlAddr() net.Addr {
	return e.remoteControl
}

// SendStream sends one datagram to the remote stream address.
func (e *Endpoint) SendStream(b []byte) error {
	return e.send(e.stream, "send stream", b, e.remoteStream)
}

// SendStreamTo sends one datagram on the stream socket to addr.
func (e *Endpoint) SendStreamTo(b []byte, addr net.Addr) error {
	return e.send(e.stream, "send stream", b, addr)
}

// SendControl sends one datagram to the remote control address.
func (e *Endpoint) SendControl(b []byte) error {
	return e.send(e.control, "send control", b, e.remoteControl)
}

// SendControlTo sends one datagram on the control socket to addr.
func (e *Endpoint) SendControlTo(b []byte, addr net.Addr) error {
	return e.send(e.control, "send control", b, addr)
}

func (e *Endpoint) send(conn net.PacketConn, op string, b []byte, addr net.Addr) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if addr == nil {
		return newTransportError(op, "", ErrNoRemote)
	}
	if len(b) > e.maxPacketSize {
		return newTransportError(op, addr.String(),
			fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(b), e.maxPacketSize))
	}

	n, err := conn.WriteTo(b, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return newTransportError(op, addr.String(), err)
	}
	if n != len(b) {
		return newTransportError(op, addr.String(), fmt.Errorf("short write %d of %d bytes", n, len(b)))
	}
	return nil
}

// ReceiveStream reads one datagram from the stream socket into buf.
func (e *Endpoint) ReceiveStream(buf []byte) (int, net.Addr, error) {
	return e.receive(e.stream, "receive stream", buf)
}

// ReceiveControl reads one datagram from the control socket into buf.
func (e *Endpoint) ReceiveControl(buf []byte) (int, net.Addr, error) {
	return e.receive(e.control, "receive control", buf)
}

// receive waits at most the read timeout. It returns ErrTimeout when no
// datagram arrived, ErrClosed once the endpoint is closed, and a
// *TransportError for anything else.
func (e *Endpoint) receive(conn net.PacketConn, op string, buf []byte) (int, net.Addr, error) {
	if e.closed.Load() {
		return 0, nil, ErrClosed
	}

	_ = conn.SetReadDeadline(time.Now().Add(e.readTimeout))

	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		return 0, nil, e.handleReadError(op, conn, err)
	}
	return n, addr, nil
}

// handleReadError maps connection read errors onto the endpoint's errors.
func (e *Endpoint) handleReadError(op string, conn net.PacketConn, err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) || e.closed.Load() {
		return ErrClosed
	}
	return newTransportError(op, conn.LocalAddr().String(), err)
}

// Close releases both sockets. It is safe to call more than once; blocked
// receives return ErrClosed.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		var errs []error
		if e.stream != nil {
			errs = append(errs, e.stream.Close())
		}
		if e.control != nil {
			errs = append(errs, e.control.Close())
		}
		if err := errors.Join(errs...); err != nil {
			e.closeErr = newTransportError("close", "", err)
		}

		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Close",
		}).Debug("Transport endpoint closed")
	})
	return e.closeErr
}
