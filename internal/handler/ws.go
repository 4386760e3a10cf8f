package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/middleware"
	"relay-proxy-go/internal/relay"
)

// WSHandler serves the WebSocket relay and echo endpoints. Sessions run under
// a base context owned by the handler so that Close can end them on shutdown;
// hijacked connections are not tracked by http.Server.Shutdown.
type WSHandler struct {
	upgrader  websocket.Upgrader
	dialer    relay.Dialer
	readLimit int64
	logger    *slog.Logger
	base      *slog.Logger // sessions add their own component
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewWSHandler creates a WSHandler. The metrics parameter is optional.
func NewWSHandler(cfg *config.Config, d relay.Dialer, logger *slog.Logger, m *metrics.Metrics) *WSHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WSHandler{
		dialer:    d,
		readLimit: cfg.Relay.MaxMessageBytes,
		logger:    logger.With("component", "ws_handler"),
		base:      logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: time.Duration(cfg.Relay.HandshakeTimeoutSeconds) * time.Second,
		ReadBufferSize:   cfg.Relay.ReadBufferBytes,
		WriteBufferSize:  cfg.Relay.WriteBufferBytes,
		CheckOrigin:      originChecker(cfg.Relay.AllowedOrigins),
	}
	return h
}

// NewRelayDialer builds the outbound dialer used by relay sessions.
func NewRelayDialer(cfg *config.Config) relay.Dialer {
	return relay.NewWebSocketDialer(
		time.Duration(cfg.Relay.HandshakeTimeoutSeconds)*time.Second,
		cfg.Relay.ReadBufferBytes,
		cfg.Relay.WriteBufferBytes,
		cfg.Relay.MaxMessageBytes,
	)
}

// Relay upgrades the caller, connects to the target named by the url query
// parameter and relays messages both ways until either side ends.
func (h *WSHandler) Relay(c echo.Context) error {
	target := c.QueryParam("url")
	if reason := validateTarget(target); reason != "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": reason,
			"field": "url",
		})
	}

	conn, ok := h.upgrade(c)
	if !ok {
		return nil
	}
	defer h.wg.Done()
	h.active.Add(1)
	defer h.active.Add(-1)

	in := relay.NewInboundPump(conn)
	s := relay.NewSession(in, target, h.base, h.metrics)

	// A caller that leaves while the target is being dialed abandons the dial.
	dialCtx, cancelDial := context.WithCancel(h.ctx)
	go func() {
		select {
		case <-in.Gone():
		case <-dialCtx.Done():
		}
		cancelDial()
	}()
	err := s.Connect(dialCtx, h.dialer)
	cancelDial()
	if err != nil {
		// The caller has already been sent a close frame.
		return nil
	}
	_ = s.Run(h.ctx)
	return nil
}

// Echo upgrades the caller and writes every message it sends back to it.
func (h *WSHandler) Echo(c echo.Context) error {
	conn, ok := h.upgrade(c)
	if !ok {
		return nil
	}
	defer h.wg.Done()
	h.active.Add(1)
	defer h.active.Add(-1)

	_ = relay.Echo(h.ctx, conn, h.base, h.metrics)
	return nil
}

// upgrade performs the WebSocket handshake. On failure the upgrader has
// already answered the request. On success the caller must call wg.Done.
func (h *WSHandler) upgrade(c echo.Context) (*websocket.Conn, bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "server shutting down"})
		return nil, false
	}
	h.wg.Add(1)
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.wg.Done()
		h.logger.Debug("websocket upgrade failed", "err", err, "remote_ip", c.RealIP())
		return nil, false
	}
	c.Response().Status = http.StatusSwitchingProtocols
	middleware.MarkUpgraded(c)
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}
	return conn, true
}

// ActiveSessions returns the number of open relay and echo sessions.
func (h *WSHandler) ActiveSessions() int64 {
	return h.active.Load()
}

// Close ends all open sessions and waits for them to finish or for ctx to expire.
func (h *WSHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validateTarget returns a non-empty reason when target is not an absolute
// ws or wss URL.
func validateTarget(target string) string {
	if target == "" {
		return "url query parameter is required"
	}
	u, err := url.Parse(target)
	if err != nil {
		return "url is not a valid URL"
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "url must use the ws or wss scheme"
	}
	if u.Host == "" {
		return "url must be absolute"
	}
	return ""
}

// originChecker allows requests without an Origin header and, when allowed is
// non-empty, only the listed origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
