// Package service implements the forward → rewrite → relay pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"webmirror-go/internal/client"
	"webmirror-go/internal/config"
	"webmirror-go/internal/metrics"
	"webmirror-go/internal/model"
)

// Transport-level failure classes surfaced to the handler. Upstream HTTP
// error statuses (4xx/5xx) are not errors; they are relayed as-is so the
// client sees the target's real response.
var (
	ErrUpstreamTimeout     = errors.New("upstream request timed out")
	ErrUpstreamUnreachable = errors.New("upstream host unreachable")
)

// forwardableRequestHeaders are the only client headers forwarded to the
// target. Cookie rides along verbatim so the target sees the cookies it
// previously set through the proxy.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Referer",
	"User-Agent",
	"Cookie",
}

// decodableEncodings lists the response encodings the relay can decode,
// in the order they are offered upstream. Set explicitly so the
// transport does not decompress behind our back.
var decodableEncodings = []string{"gzip", "deflate", "br"}

// ProxyService drives the pipeline for one request: forward to the
// target, rewrite textual bodies, relay the result. It holds no
// per-request state; concurrent requests are fully independent.
type ProxyService struct {
	client  *client.Upstream
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewProxyService(c *client.Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Forward sends the request to its resolved target. The method and body
// pass through byte for byte; headers are reduced to the safelist. The
// caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	header := s.buildRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target_host", pr.Target.Host,
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, pr.Target.String(), header, pr.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

func (s *ProxyService) buildRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", s.cfg.Proxy.UserAgent)
	}
	dst.Set("Accept-Encoding", negotiateAcceptEncoding(src.Get("Accept-Encoding")))
	return dst
}

// negotiateAcceptEncoding offers upstream only the decodable encodings
// the client itself accepts. Passthrough and fallback bodies keep their
// upstream Content-Encoding, so the proxy must never solicit an
// encoding the client cannot handle.
func negotiateAcceptEncoding(clientAccept string) string {
	if clientAccept == "" {
		return "identity"
	}
	offered := make(map[string]bool)
	for _, part := range strings.Split(clientAccept, ",") {
		name, _, _ := strings.Cut(part, ";")
		offered[strings.ToLower(strings.TrimSpace(name))] = true
	}
	var out []string
	for _, enc := range decodableEncodings {
		if offered[enc] || offered["*"] {
			out = append(out, enc)
		}
	}
	if len(out) == 0 {
		return "identity"
	}
	return strings.Join(out, ", ")
}

// classifyTransportError maps a transport failure onto the timeout and
// unreachable sentinels. Context cancellation (client disconnect) passes
// through unwrapped so the handler can tell it apart.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}
