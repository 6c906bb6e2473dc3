package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"webmirror-go/internal/config"
	"webmirror-go/internal/metrics"
)

func testUpstream(t *testing.T, m *metrics.Metrics) *Upstream {
	t.Helper()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstream(cfg, logger, m)
}

func TestDo_ReturnsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Test"); got != "yes" {
			t.Errorf("X-Test header = %q, want %q", got, "yes")
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	c := testUpstream(t, nil)

	header := http.Header{}
	header.Set("X-Test", "yes")
	resp, err := c.Do(context.Background(), http.MethodGet, upstream.URL, header, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/plain")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestDo_RedirectReturnedRaw(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			t.Errorf("redirect followed to %q", r.URL.Path)
		}
		w.Header().Set("Location", "https://elsewhere.example.com/")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer upstream.Close()

	c := testUpstream(t, nil)

	resp, err := c.Do(context.Background(), http.MethodGet, upstream.URL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMovedPermanently {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusMovedPermanently)
	}
	if loc := resp.Header.Get("Location"); loc != "https://elsewhere.example.com/" {
		t.Errorf("Location = %q, want upstream value", loc)
	}
}

func TestDo_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := testUpstream(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, http.MethodGet, upstream.URL, http.Header{}, nil)
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestDo_InvalidURL(t *testing.T) {
	c := testUpstream(t, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "http://exa mple.com/", http.Header{}, nil)
	if err == nil {
		t.Fatal("Do() expected error for malformed URL, got nil")
	}
}

func TestDo_RecordsMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := metrics.New()
	c := testUpstream(t, m)

	resp, err := c.Do(context.Background(), http.MethodGet, upstream.URL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "webmirror_upstream_responses_total" {
			found = true
		}
	}
	if !found {
		t.Error("webmirror_upstream_responses_total not recorded")
	}
}
