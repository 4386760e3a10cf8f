package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"relay-proxy-go/internal/metrics"
)

// closeGracePeriod bounds how long a close frame write may take.
const closeGracePeriod = time.Second

// maxCloseReason is the largest close frame reason allowed by RFC 6455.
const maxCloseReason = 123

const (
	modeRelay = "relay"
	modeEcho  = "echo"
)

// Session is one relay session between an inbound and an outbound channel.
// A Session is used for exactly one relay and is not reusable.
type Session struct {
	ID     string
	Target string

	inbound  Channel
	outbound Channel
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state    atomic.Int32
	messages [2]atomic.Int64

	endOnce sync.Once
	endDir  Direction
	endErr  error // raw error that stopped the first loop
}

// NewSession creates a session in the Connecting state for the given inbound
// channel and target URL. The metrics parameter is optional; pass nil to
// disable relay metrics recording.
func NewSession(inbound Channel, target string, logger *slog.Logger, m *metrics.Metrics) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Target:  target,
		inbound: inbound,
		logger:  logger.With("component", "relay_session", "session_id", id),
		metrics: m,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Messages returns the number of messages forwarded in direction d.
func (s *Session) Messages(d Direction) int64 {
	return s.messages[d].Load()
}

// Connect opens the outbound channel. On failure the inbound channel receives
// a close frame (1011) and is closed, the session moves to Closed and a
// *ConnectError is returned.
func (s *Session) Connect(ctx context.Context, d Dialer) error {
	if st := s.State(); st != StateConnecting || s.outbound != nil {
		return fmt.Errorf("relay: connect in state %s", st)
	}

	out, err := d.Dial(ctx, s.Target)
	if err != nil {
		s.logger.Warn("outbound connect failed", "target", s.Target, "err", err)
		closeChannel(s.inbound, websocket.CloseInternalServerErr, closeReason("upstream connect failed: "+err.Error()))
		s.state.Store(int32(StateClosed))
		s.observeOutcome(modeRelay, "connect_failed")
		return &ConnectError{Target: s.Target, Err: err}
	}

	s.outbound = out
	s.logger.Debug("outbound connected", "target", s.Target)
	return nil
}

// Run relays messages in both directions until either side closes or fails,
// or ctx is canceled. It always leaves the session Closed with both channels
// closed. Orderly closure and cancellation return nil; a loop failure returns
// the *ChannelError of the loop that stopped first.
func (s *Session) Run(ctx context.Context) error {
	if s.outbound == nil {
		return ErrNotConnected
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return fmt.Errorf("relay: run in state %s", s.State())
	}

	start := time.Now()
	if s.metrics != nil {
		s.metrics.RelaySessionsActive.WithLabelValues(modeRelay).Inc()
		defer s.metrics.RelaySessionsActive.WithLabelValues(modeRelay).Dec()
	}
	s.logger.Info("relay session active", "target", s.Target)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Once either loop is done, no read may stay blocked on the other.
	interrupted := make(chan struct{})
	stop := context.AfterFunc(loopCtx, func() {
		defer close(interrupted)
		s.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
		interrupt(s.inbound)
		interrupt(s.outbound)
	})

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return s.forward(loopCtx, InboundToOutbound, s.inbound, s.outbound)
	})
	g.Go(func() error {
		defer cancel()
		return s.forward(loopCtx, OutboundToInbound, s.outbound, s.inbound)
	})
	err := g.Wait()
	if !stop() {
		<-interrupted
	}

	s.state.CompareAndSwap(int32(StateActive), int32(StateDraining))

	code, text := closeCodeFor(ctx, s.endErr)
	closeChannel(s.inbound, code, text)
	closeChannel(s.outbound, code, text)
	s.state.Store(int32(StateClosed))

	outcome := "closed"
	switch {
	case err != nil:
		outcome = "error"
	case ctx.Err() != nil:
		outcome = "canceled"
	}
	s.observeOutcome(modeRelay, outcome)
	if s.metrics != nil {
		s.metrics.RelaySessionDuration.WithLabelValues(modeRelay).Observe(time.Since(start).Seconds())
	}

	attrs := []any{
		"target", s.Target,
		"ended_by", s.endDir.String(),
		"outcome", outcome,
		"close_code", code,
		"messages_in", s.Messages(InboundToOutbound),
		"messages_out", s.Messages(OutboundToInbound),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.logger.Warn("relay session closed", append(attrs, "err", err)...)
	} else {
		s.logger.Info("relay session closed", attrs...)
	}

	return err
}

// forward is one forwarding loop: read from src, write the same frame to dst.
func (s *Session) forward(ctx context.Context, dir Direction, src, dst Channel) error {
	for {
		if ctx.Err() != nil {
			s.end(dir, ctx.Err())
			return nil
		}

		mt, data, err := src.ReadMessage()
		if err != nil {
			s.end(dir, err)
			return loopError(ctx, dir, "read", err)
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			s.end(dir, err)
			return loopError(ctx, dir, "write", err)
		}

		s.messages[dir].Add(1)
		if s.metrics != nil {
			s.metrics.RelayMessagesTotal.WithLabelValues(dir.String()).Inc()
			s.metrics.RelayBytesTotal.WithLabelValues(dir.String()).Add(float64(len(data)))
		}
	}
}

// end records the first loop to stop and moves the session to Draining.
func (s *Session) end(dir Direction, err error) {
	s.endOnce.Do(func() {
		s.endDir = dir
		s.endErr = err
		s.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
	})
}

func (s *Session) observeOutcome(mode, outcome string) {
	if s.metrics != nil {
		s.metrics.RelaySessionsTotal.WithLabelValues(mode, outcome).Inc()
	}
}

// Echo reads messages from ch and writes each one back to it until ch closes,
// fails, or ctx is canceled. ch is always closed on return. No outbound
// channel is involved. The metrics parameter is optional.
func Echo(ctx context.Context, ch Channel, logger *slog.Logger, m *metrics.Metrics) error {
	logger = logger.With("component", "echo_session", "session_id", uuid.NewString())
	start := time.Now()
	if m != nil {
		m.RelaySessionsActive.WithLabelValues(modeEcho).Inc()
		defer m.RelaySessionsActive.WithLabelValues(modeEcho).Dec()
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		interrupt(ch)
	})

	var (
		count  int64
		endErr error
		err    error
	)
	for {
		if endErr = ctx.Err(); endErr != nil {
			break
		}
		mt, data, rerr := ch.ReadMessage()
		if rerr != nil {
			endErr = rerr
			err = loopError(ctx, InboundToOutbound, "read", rerr)
			break
		}
		if werr := ch.WriteMessage(mt, data); werr != nil {
			endErr = werr
			err = loopError(ctx, OutboundToInbound, "write", werr)
			break
		}
		count++
		if m != nil {
			m.RelayMessagesTotal.WithLabelValues(modeEcho).Inc()
			m.RelayBytesTotal.WithLabelValues(modeEcho).Add(float64(len(data)))
		}
	}

	if !stop() {
		<-interrupted
	}

	code, text := closeCodeFor(ctx, endErr)
	closeChannel(ch, code, text)

	outcome := "closed"
	switch {
	case err != nil:
		outcome = "error"
	case ctx.Err() != nil:
		outcome = "canceled"
	}
	if m != nil {
		m.RelaySessionsTotal.WithLabelValues(modeEcho, outcome).Inc()
		m.RelaySessionDuration.WithLabelValues(modeEcho).Observe(time.Since(start).Seconds())
	}
	logger.Info("echo session closed",
		"outcome", outcome,
		"messages", count,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return err
}

// loopError classifies why a loop stopped. Interruption by cancellation and
// orderly peer closure are not failures.
func loopError(ctx context.Context, dir Direction, op string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if op == "read" && isPeerClose(err) {
		return nil
	}
	return &ChannelError{Direction: dir, Op: op, Err: err}
}

// closeCodeFor picks the close frame sent to both peers. A peer's orderly
// close code is passed through to the other side.
func closeCodeFor(ctx context.Context, endErr error) (int, string) {
	if ctx.Err() != nil {
		return websocket.CloseGoingAway, "proxy shutting down"
	}

	var ce *websocket.CloseError
	if errors.As(endErr, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived:
			return websocket.CloseNormalClosure, ""
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			// Reserved codes that must not appear on the wire.
			return websocket.CloseInternalServerErr, "peer connection lost"
		default:
			return ce.Code, closeReason(ce.Text)
		}
	}
	if endErr == nil || errors.Is(endErr, context.Canceled) {
		return websocket.CloseNormalClosure, ""
	}
	return websocket.CloseInternalServerErr, "peer connection lost"
}

// closeChannel sends a close frame when the channel supports it and closes the
// channel. Both steps are best-effort; a broken channel cannot be closed cleanly.
func closeChannel(ch Channel, code int, text string) {
	if cw, ok := ch.(controlWriter); ok {
		_ = cw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeGracePeriod))
	}
	_ = ch.Close()
}

// interrupt unblocks a pending read. An in-flight write is left to complete.
func interrupt(ch Channel) {
	_ = ch.SetReadDeadline(time.Now())
}

// closeReason truncates text to fit a close frame without splitting a rune.
func closeReason(text string) string {
	if len(text) <= maxCloseReason {
		return text
	}
	return strings.ToValidUTF8(text[:maxCloseReason], "")
}
