// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"strings"
)

// Policy selects how a failed forward is reported to the caller.
type Policy string

const (
	// PolicyStrict answers a failed forward with an error status.
	PolicyStrict Policy = "strict"
	// PolicyLenient answers a failed forward with 200 and the failure text.
	PolicyLenient Policy = "lenient"
)

// allowedMethods are the outbound methods a SendRequest may use.
var allowedMethods = map[string]bool{
	http.MethodGet:   true,
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// SendRequest describes one outbound HTTP request issued on the caller's behalf.
type SendRequest struct {
	URL         string         `json:"url"`
	Method      string         `json:"method,omitempty"`
	Body        *string        `json:"body,omitempty"`
	QueryParams map[string]any `json:"query_params,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
}

// NormalizedMethod returns the upper-cased method, defaulting to GET.
func (r *SendRequest) NormalizedMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// MethodAllowed reports whether the request method is one of GET, POST, PUT or PATCH.
func (r *SendRequest) MethodAllowed() bool {
	return allowedMethods[r.NormalizedMethod()]
}

// ForwardedResponse is the outcome of a successful forward. Failures are
// reported as errors instead.
type ForwardedResponse struct {
	StatusCode int
	Body       string
}

// UpstreamResponse is the fully read response returned by the upstream client.
type UpstreamResponse struct {
	StatusCode int
	Body       []byte
}
