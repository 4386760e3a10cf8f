// Package client sends the outbound HTTP requests issued by the /send forwarder.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
)

// maxRedirects matches the redirect limit of the Python requests library.
const maxRedirects = 30

// UpstreamClient sends one request to an arbitrary target and reads the
// whole response. It never retries.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with a pooled transport and the
// [forward] timeout applied to each request including its body.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	c := &UpstreamClient{
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	c.httpClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        cfg.Forward.IdleConnections,
			MaxIdleConnsPerHost: cfg.Forward.IdleConnections,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout:       time.Duration(cfg.Forward.TimeoutSeconds) * time.Second,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// Send issues method to target with header and an optional body, follows
// redirects, and returns the final status and body. A nil body sends no
// payload. Transport failures are returned wrapped; the *url.Error from
// net/http stays reachable with errors.As.
func (c *UpstreamClient) Send(ctx context.Context, method, target string, header http.Header, body []byte) (*model.UpstreamResponse, error) {
	var payload io.Reader
	if body != nil {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, 0, start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	c.observe(method, resp.StatusCode, start)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	c.logger.Debug("upstream response",
		"method", method,
		"host", req.URL.Host,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &model.UpstreamResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

func (c *UpstreamClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("exceeded %d redirects", maxRedirects)
	}
	c.logger.Debug("following redirect",
		"from", via[len(via)-1].URL.Redacted(),
		"to", req.URL.Redacted(),
		"hops", len(via),
	)
	return nil
}

// observe records latency for every attempt and the status when one arrived.
func (c *UpstreamClient) observe(method string, status int, start time.Time) {
	if c.metrics == nil {
		return
	}
	label := metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if status > 0 {
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(status)).Inc()
	}
}
