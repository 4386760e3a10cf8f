package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const upgradeKey = "relay_proxy.upgrade"

// upgradeState is shared by the middlewares of one request. Hooks run once,
// when the handler reports that the WebSocket handshake completed.
type upgradeState struct {
	done  bool
	at    time.Time
	hooks []func(at time.Time)
}

// MarkUpgraded records that the WebSocket handshake for c has completed.
// Request logging and metrics observe the handshake at this point; the
// session that follows is not an HTTP request and is measured by the relay.
func MarkUpgraded(c echo.Context) {
	st := stateOf(c)
	if st.done {
		return
	}
	st.done = true
	st.at = time.Now()
	for _, fn := range st.hooks {
		fn(st.at)
	}
}

// upgraded reports whether MarkUpgraded was called for c.
func upgraded(c echo.Context) bool {
	st, ok := c.Get(upgradeKey).(*upgradeState)
	return ok && st.done
}

// onUpgrade registers fn to run when the handshake completes.
func onUpgrade(c echo.Context, fn func(at time.Time)) {
	st := stateOf(c)
	st.hooks = append(st.hooks, fn)
}

func stateOf(c echo.Context) *upgradeState {
	if st, ok := c.Get(upgradeKey).(*upgradeState); ok {
		return st
	}
	st := &upgradeState{}
	c.Set(upgradeKey, st)
	return st
}

func isWebSocketUpgrade(c echo.Context) bool {
	h := c.Request().Header
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}
