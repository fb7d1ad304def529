// Package transport provides the UDP socket pair used by stream sessions:
// one socket for RTP media and one for RTCP control.
//
// # Endpoint
//
// An [Endpoint] binds both sockets locally and, when a remote address is
// configured, resolves the peer's stream and control addresses:
//
//	ep, err := transport.NewEndpoint(transport.EndpointConfig{
//	    LocalStreamPort:   55004,
//	    LocalControlPort:  55005,
//	    RemoteAddress:     "192.168.1.10",
//	    RemoteStreamPort:  5004,
//	    RemoteControlPort: 5005,
//	    MaxPacketSize:     1500,
//	})
//	if err != nil {
//	    return err
//	}
//	defer ep.Close()
//
// # Receiving
//
// Every receive waits at most the configured read timeout (100 ms by
// default) so loops can observe cancellation:
//
//	for ctx.Err() == nil {
//	    n, _, err := ep.ReceiveStream(buf)
//	    if errors.Is(err, transport.ErrTimeout) {
//	        continue
//	    }
//	    ...
//	}
//
// After Close, receives and sends return [ErrClosed].
//
// # Errors
//
// Socket failures are reported as [*TransportError] carrying the operation
// and address. They match [ErrTransport] with errors.Is. Oversized sends
// also match [ErrPacketTooLarge].
package transport
