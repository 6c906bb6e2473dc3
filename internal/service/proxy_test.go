package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"webmirror-go/internal/client"
	"webmirror-go/internal/config"
	"webmirror-go/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			BasePath:        "/proxy",
			TimeoutSeconds:  10,
			IdleConnections: 10,
			UserAgent:       "webmirror/1.0",
			MaxRewriteBytes: 1 << 20,
		},
	}
}

func testService(t *testing.T, cfg *config.Config) *ProxyService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewUpstream(cfg, logger, nil), cfg, logger, nil)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestBuildRequestHeaders(t *testing.T) {
	s := testService(t, testConfig())
	src := http.Header{
		"Accept":          {"text/html"},
		"Accept-Language": {"en-US"},
		"Content-Type":    {"application/x-www-form-urlencoded"},
		"Referer":         {"https://example.com/"},
		"User-Agent":      {"Mozilla/5.0"},
		"Cookie":          {"session=abc"},
		"Accept-Encoding": {"gzip, br"},
		"Authorization":   {"Bearer secret"},
		"Connection":      {"keep-alive"},
		"X-Forwarded-For": {"1.2.3.4"},
		"X-Request-Id":    {"abc123"},
	}

	dst := s.buildRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Accept-Language forwarded", "Accept-Language", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Referer forwarded", "Referer", 1},
		{"User-Agent forwarded", "User-Agent", 1},
		{"Cookie forwarded", "Cookie", 1},
		{"Authorization stripped", "Authorization", 0},
		{"Connection stripped", "Connection", 0},
		{"X-Forwarded-For stripped", "X-Forwarded-For", 0},
		{"X-Request-Id stripped", "X-Request-Id", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if ua := dst.Get("User-Agent"); ua != "Mozilla/5.0" {
		t.Errorf("User-Agent = %q, want client value preserved", ua)
	}
	if ae := dst.Get("Accept-Encoding"); ae != "gzip, br" {
		t.Errorf("Accept-Encoding = %q, want client's offered subset", ae)
	}
}

func TestNegotiateAcceptEncoding(t *testing.T) {
	tests := []struct {
		name   string
		client string
		want   string
	}{
		{"no header means identity only", "", "identity"},
		{"gzip only", "gzip", "gzip"},
		{"full set", "gzip, deflate, br", "gzip, deflate, br"},
		{"quality values ignored", "br;q=1.0, gzip;q=0.5", "gzip, br"},
		{"wildcard accepts everything", "*", "gzip, deflate, br"},
		{"unknown encoding falls back", "zstd", "identity"},
		{"identity stays identity", "identity", "identity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := negotiateAcceptEncoding(tt.client); got != tt.want {
				t.Errorf("negotiateAcceptEncoding(%q) = %q, want %q", tt.client, got, tt.want)
			}
		})
	}
}

func TestBuildRequestHeaders_DefaultUserAgent(t *testing.T) {
	s := testService(t, testConfig())

	dst := s.buildRequestHeaders(http.Header{})
	if ua := dst.Get("User-Agent"); ua != "webmirror/1.0" {
		t.Errorf("User-Agent = %q, want configured default", ua)
	}
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "deadline exceeded is timeout",
			err:  fmt.Errorf("upstream request: %w", context.DeadlineExceeded),
			want: ErrUpstreamTimeout,
		},
		{
			name: "dns failure is unreachable",
			err:  fmt.Errorf("upstream request: %w", &net.DNSError{Err: "no such host", Name: "nope.invalid"}),
			want: ErrUpstreamUnreachable,
		},
		{
			name: "dns timeout is timeout",
			err:  fmt.Errorf("upstream request: %w", &net.DNSError{Err: "i/o timeout", Name: "slow.invalid", IsTimeout: true}),
			want: ErrUpstreamTimeout,
		},
		{
			name: "connection refused is unreachable",
			err:  fmt.Errorf("upstream request: %w", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}),
			want: ErrUpstreamUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyTransportError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyTransportError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyTransportError_CanceledPassesThrough(t *testing.T) {
	err := fmt.Errorf("upstream request: %w", context.Canceled)
	got := classifyTransportError(err)
	if !errors.Is(got, context.Canceled) {
		t.Errorf("classifyTransportError() = %v, want context.Canceled", got)
	}
	if errors.Is(got, ErrUpstreamTimeout) || errors.Is(got, ErrUpstreamUnreachable) {
		t.Error("canceled context must not be reported as a target failure")
	}
}

func TestForward_POSTBodyVerbatim(t *testing.T) {
	const body = "a=1&b=2"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q, want form encoding", ct)
		}
		got, _ := io.ReadAll(r.Body)
		if string(got) != body {
			t.Errorf("body = %q, want %q", got, body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testService(t, testConfig())

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Target: mustParse(t, upstream.URL+"/submit"),
		Header: header,
		Body:   strings.NewReader(body),
	}

	resp, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestForward_RedirectNotFollowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/next", http.StatusFound)
			return
		}
		t.Errorf("redirect was followed to %q", r.URL.Path)
	}))
	defer upstream.Close()

	s := testService(t, testConfig())

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL+"/start"),
		Header: http.Header{},
	}

	resp, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/next" {
		t.Errorf("Location = %q, want %q", loc, "/next")
	}
}

func TestForward_ErrorStatusRelayedNotError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not here"))
	}))
	defer upstream.Close()

	s := testService(t, testConfig())

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL+"/missing"),
		Header: http.Header{},
	}

	resp, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v; upstream 404 must not be an error", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestForward_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// Hold the request open until the client gives up.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Proxy.TimeoutSeconds = 1
	s := testService(t, cfg)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL),
		Header: http.Header{},
	}

	_, err := s.Forward(pr)
	if err == nil {
		t.Fatal("Forward() expected timeout error, got nil")
	}
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("Forward() error = %v, want ErrUpstreamTimeout", err)
	}
}

func TestForward_Unreachable(t *testing.T) {
	// Reserve a port, then close the listener so nothing accepts.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s := testService(t, testConfig())

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, "http://"+addr+"/"),
		Header: http.Header{},
	}

	_, err = s.Forward(pr)
	if err == nil {
		t.Fatal("Forward() expected unreachable error, got nil")
	}
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("Forward() error = %v, want ErrUpstreamUnreachable", err)
	}
}
