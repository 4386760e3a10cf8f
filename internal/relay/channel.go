// Package relay implements WebSocket relay and echo sessions.
//
// A relay session owns one inbound (caller-facing) and one outbound
// (target-facing) message channel and runs two forwarding loops between them.
// The first loop to stop, for any reason, stops the other; both channels are
// then closed. Errors inside a loop end that loop and are never sent to
// either peer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is one duplex message connection. *websocket.Conn satisfies it.
//
// A session guarantees at most one concurrent reader and one concurrent writer
// per channel, so implementations need no locking of their own for that.
// SetReadDeadline must be safe to call while a read is blocked: it is how a
// session interrupts a loop.
type Channel interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// controlWriter is implemented by channels that can send a close frame
// concurrently with other writes.
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Dialer opens the outbound channel of a relay session.
type Dialer interface {
	Dial(ctx context.Context, target string) (Channel, error)
}

// WebSocketDialer dials WebSocket targets with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
	// ReadLimit caps the size of a message read from the target. 0 means no limit.
	ReadLimit int64
}

// NewWebSocketDialer returns a WebSocketDialer with the given handshake timeout and buffer sizes.
func NewWebSocketDialer(handshakeTimeout time.Duration, readBuffer, writeBuffer int, readLimit int64) *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   readBuffer,
			WriteBufferSize:  writeBuffer,
		},
		ReadLimit: readLimit,
	}
}

// Dial performs the WebSocket handshake with target. Canceling ctx aborts the
// dial at any stage, including while waiting for the handshake response.
func (d *WebSocketDialer) Dial(ctx context.Context, target string) (Channel, error) {
	dialer := *d.Dialer
	netDial := dialer.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}

	var stop func() bool
	dialer.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		nc, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		// gorilla only applies a deadline to the handshake; this makes
		// cancellation unblock it too.
		stop = context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
		return nc, nil
	}

	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if stop != nil && !stop() && err == nil {
		_ = conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", target, ctx.Err())
		}
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// State is the lifecycle position of a relay session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Direction identifies one forwarding loop of a session.
type Direction int

const (
	InboundToOutbound Direction = iota
	OutboundToInbound
)

func (d Direction) String() string {
	if d == InboundToOutbound {
		return "inbound_to_outbound"
	}
	return "outbound_to_inbound"
}

// ConnectError reports that the outbound target could not be reached or handshaken.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ChannelError reports a read or write failure inside a forwarding loop.
type ChannelError struct {
	Direction Direction
	Op        string // "read" or "write"
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ErrNotConnected is returned by Run when Connect has not succeeded.
var ErrNotConnected = errors.New("relay: session has no outbound channel")

// isPeerClose reports whether err is a close frame sent by the peer.
// 1006 is synthesized locally when the connection drops without one.
func isPeerClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure
}
