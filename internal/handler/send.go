package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/service"
)

// Forwarder issues one outbound request described by a SendRequest.
type Forwarder interface {
	Forward(ctx context.Context, sr *model.SendRequest) (*model.ForwardedResponse, error)
}

// SendHandler serves POST /send.
type SendHandler struct {
	forwarder Forwarder
	policy    model.Policy
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewSendHandler creates a SendHandler. The metrics parameter is optional.
func NewSendHandler(svc *service.ForwardService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SendHandler {
	return newSendHandler(svc, cfg.Forward.Policy(), logger, m)
}

func newSendHandler(f Forwarder, policy model.Policy, logger *slog.Logger, m *metrics.Metrics) *SendHandler {
	return &SendHandler{
		forwarder: f,
		policy:    policy,
		logger:    logger.With("component", "send_handler"),
		metrics:   m,
	}
}

// Handle forwards the request described by the JSON body and returns the
// upstream body text. Upstream failures are reported according to the
// configured failure policy.
func (h *SendHandler) Handle(c echo.Context) error {
	var sr model.SendRequest
	if err := c.Bind(&sr); err != nil {
		h.observe("invalid")
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": "request body must be a JSON object with a url field",
			"field": "body",
		})
	}

	resp, err := h.forwarder.Forward(c.Request().Context(), &sr)
	if err != nil {
		return h.mapError(c, &sr, err)
	}

	h.logger.Debug("forward succeeded",
		"url", sr.URL,
		"method", sr.NormalizedMethod(),
		"upstream_status", resp.StatusCode,
		"bytes", len(resp.Body),
	)
	h.observe("success")
	return c.String(http.StatusOK, resp.Body)
}

func (h *SendHandler) mapError(c echo.Context, sr *model.SendRequest, err error) error {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		h.observe("invalid")
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": ve.Error(),
			"field": ve.Field,
		})
	}

	var ue *service.UpstreamError
	if !errors.As(err, &ue) {
		// Anything else is a bug in the forwarder, not an upstream failure.
		h.logger.Error("forward failed", "err", err, "url", sr.URL)
		h.observe("error")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}

	h.logger.Warn("upstream request failed",
		"err", err,
		"url", sr.URL,
		"method", sr.NormalizedMethod(),
		"upstream_status", ue.StatusCode,
		"policy", string(h.policy),
	)
	h.observe("upstream_failure")

	if h.policy == model.PolicyLenient {
		return c.String(http.StatusOK, ue.Message)
	}
	return c.String(http.StatusMethodNotAllowed, ue.Message)
}

func (h *SendHandler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.ForwardsTotal.WithLabelValues(outcome, string(h.policy)).Inc()
	}
}
