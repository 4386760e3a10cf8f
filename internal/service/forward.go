// Package service implements the /send request forwarder.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/model"
)

const userAgent = "relay-proxy-go/1.0"

// ForwardService issues exactly one outbound request per SendRequest.
type ForwardService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewForwardService creates a ForwardService.
func NewForwardService(c *client.UpstreamClient, logger *slog.Logger) *ForwardService {
	return &ForwardService{
		client: c,
		logger: logger.With("component", "forward_service"),
	}
}

// Forward validates sr, sends it upstream and returns the upstream body verbatim.
//
// A *ValidationError is returned before any network activity when the request
// is malformed. A *UpstreamError is returned when the transport fails or the
// upstream answers with a status outside 2xx/3xx. No retries are attempted.
func (s *ForwardService) Forward(ctx context.Context, sr *model.SendRequest) (*model.ForwardedResponse, error) {
	target, err := Validate(sr)
	if err != nil {
		return nil, err
	}

	q := target.Query()
	for key, val := range sr.QueryParams {
		for _, v := range stringValues(val) {
			q.Add(key, v)
		}
	}
	target.RawQuery = q.Encode()

	header := make(http.Header)
	header.Set("User-Agent", userAgent)
	for key, val := range sr.Headers {
		vals := stringValues(val)
		if len(vals) == 0 {
			continue
		}
		header.Del(key)
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	var body []byte
	if sr.Body != nil {
		if body, err = json.Marshal(*sr.Body); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	method := sr.NormalizedMethod()
	s.logger.Debug("forwarding request",
		"method", method,
		"host", target.Host,
		"path", target.Path,
	)

	resp, err := s.client.Send(ctx, method, target.String(), header, body)
	if err != nil {
		return nil, &UpstreamError{Message: transportMessage(err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		kind := "Client"
		if resp.StatusCode >= 500 {
			kind = "Server"
		}
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%d %s Error: %s for url: %s", resp.StatusCode, kind, http.StatusText(resp.StatusCode), target.String()),
		}
	}

	return &model.ForwardedResponse{
		StatusCode: resp.StatusCode,
		Body:       string(resp.Body),
	}, nil
}

// Validate checks sr and returns its parsed URL.
func Validate(sr *model.SendRequest) (*url.URL, error) {
	if sr.URL == "" {
		return nil, &ValidationError{Field: "url", Reason: "field required"}
	}
	u, err := url.Parse(sr.URL)
	if err != nil {
		return nil, &ValidationError{Field: "url", Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, &ValidationError{Field: "url", Reason: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ValidationError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if !sr.MethodAllowed() {
		return nil, &ValidationError{Field: "method", Reason: fmt.Sprintf("%q is not one of get, post, put, patch", sr.Method)}
	}
	return u, nil
}

// transportMessage strips our own wrapping so the caller sees the transport failure.
func transportMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Error()
	}
	return err.Error()
}

// stringValues flattens a decoded JSON value into string values.
// Lists become repeated values and null is dropped.
func stringValues(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case bool:
		return []string{strconv.FormatBool(val)}
	case float64:
		return []string{strconv.FormatFloat(val, 'f', -1, 64)}
	case json.Number:
		return []string{val.String()}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, stringValues(item)...)
		}
		return out
	case map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return []string{string(data)}
	default:
		return []string{fmt.Sprint(val)}
	}
}
