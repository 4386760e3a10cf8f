package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/model"
)

func newTestService() *ForwardService {
	cfg := &config.Config{
		Forward: config.ForwardConfig{TimeoutSeconds: 5, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewForwardService(client.NewUpstreamClient(cfg, logger, nil), logger)
}

func strPtr(s string) *string { return &s }

func TestForward_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		// Content type is not reinterpreted.
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	resp, err := newTestService().Forward(context.Background(), &model.SendRequest{
		URL:    upstream.URL + "/ok",
		Method: "get",
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.Body != "pong" {
		t.Errorf("Body = %q, want %q", resp.Body, "pong")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestForward_DefaultMethodIsGET(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Method))
	}))
	defer upstream.Close()

	resp, err := newTestService().Forward(context.Background(), &model.SendRequest{URL: upstream.URL})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.Body != http.MethodGet {
		t.Errorf("upstream saw method %q, want GET", resp.Body)
	}
}

func TestForward_QueryHeadersAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("keep"); got != "1" {
			t.Errorf("query keep = %q, want %q", got, "1")
		}
		if got := q.Get("q"); got != "search" {
			t.Errorf("query q = %q, want %q", got, "search")
		}
		if got := q.Get("n"); got != "42" {
			t.Errorf("query n = %q, want %q", got, "42")
		}
		if got := q["tag"]; len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("query tag = %v, want [a b]", got)
		}
		if q.Has("skip") {
			t.Error("null query parameter should be dropped")
		}
		if got := r.Header.Get("X-Token"); got != "secret" {
			t.Errorf("X-Token = %q, want %q", got, "secret")
		}
		if got := r.Header.Get("X-Flag"); got != "true" {
			t.Errorf("X-Flag = %q, want %q", got, "true")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `"hello \"world\""` {
			t.Errorf("body = %s, want a JSON-encoded string", body)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	resp, err := newTestService().Forward(context.Background(), &model.SendRequest{
		URL:    upstream.URL + "/submit?keep=1",
		Method: "POST",
		Body:   strPtr(`hello "world"`),
		QueryParams: map[string]any{
			"q":    "search",
			"n":    float64(42),
			"tag":  []any{"a", "b"},
			"skip": nil,
		},
		Headers: map[string]any{
			"X-Token": "secret",
			"X-Flag":  true,
		},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.Body != "ok" {
		t.Errorf("Body = %q, want %q", resp.Body, "ok")
	}
}

func TestForward_CallerContentTypeWins(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Content-Type")))
	}))
	defer upstream.Close()

	resp, err := newTestService().Forward(context.Background(), &model.SendRequest{
		URL:     upstream.URL,
		Method:  "put",
		Body:    strPtr("x"),
		Headers: map[string]any{"Content-Type": "text/plain"},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.Body != "text/plain" {
		t.Errorf("upstream Content-Type = %q, want %q", resp.Body, "text/plain")
	}
}

func TestForward_UpstreamStatusError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind string
	}{
		{"client error", http.StatusNotFound, "404 Client Error: Not Found"},
		{"server error", http.StatusBadGateway, "502 Server Error: Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer upstream.Close()

			_, err := newTestService().Forward(context.Background(), &model.SendRequest{URL: upstream.URL + "/x"})

			var ue *UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("Forward() error = %v, want *UpstreamError", err)
			}
			if ue.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", ue.StatusCode, tt.status)
			}
			if !strings.HasPrefix(ue.Message, tt.wantKind) {
				t.Errorf("Message = %q, want prefix %q", ue.Message, tt.wantKind)
			}
			if !strings.Contains(ue.Message, upstream.URL+"/x") {
				t.Errorf("Message = %q, want mention of the url", ue.Message)
			}
		})
	}
}

func TestForward_RedirectIsFollowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("moved"))
	}))
	defer upstream.Close()

	resp, err := newTestService().Forward(context.Background(), &model.SendRequest{URL: upstream.URL + "/old"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.Body != "moved" {
		t.Errorf("Body = %q, want %q", resp.Body, "moved")
	}
}

func TestForward_Unreachable(t *testing.T) {
	_, err := newTestService().Forward(context.Background(), &model.SendRequest{URL: "http://127.0.0.1:1/down"})

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Forward() error = %v, want *UpstreamError", err)
	}
	if ue.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for transport failure", ue.StatusCode)
	}
	if ue.Message == "" {
		t.Error("expected a non-empty failure description")
	}
	if strings.HasPrefix(ue.Message, "upstream request:") {
		t.Errorf("Message = %q, internal wrapping should be stripped", ue.Message)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		req       model.SendRequest
		wantField string
	}{
		{"missing url", model.SendRequest{}, "url"},
		{"relative url", model.SendRequest{URL: "/just/a/path"}, "url"},
		{"unsupported scheme", model.SendRequest{URL: "ftp://example.com/file"}, "url"},
		{"unparsable url", model.SendRequest{URL: "http://[::1"}, "url"},
		{"bad method", model.SendRequest{URL: "http://example.com", Method: "delete"}, "method"},
		{"valid", model.SendRequest{URL: "https://example.com", Method: "Patch"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(&tt.req)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestForward_ValidationBeforeNetwork(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer upstream.Close()

	_, err := newTestService().Forward(context.Background(), &model.SendRequest{URL: upstream.URL, Method: "trace"})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Forward() error = %v, want *ValidationError", err)
	}
	if called {
		t.Error("upstream must not be contacted for an invalid request")
	}
}

func TestStringValues(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, nil},
		{"string", "x", []string{"x"}},
		{"bool", false, []string{"false"}},
		{"integer float", float64(7), []string{"7"}},
		{"fraction", 1.5, []string{"1.5"}},
		{"list", []any{"a", float64(2)}, []string{"a", "2"}},
		{"object", map[string]any{"k": "v"}, []string{`{"k":"v"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stringValues(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("stringValues(%v) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("stringValues(%v)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}
