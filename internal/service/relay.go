package service

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"webmirror-go/internal/model"
	"webmirror-go/internal/rewrite"
)

// droppedResponseHeaders are stripped from every relayed response:
// hop-by-hop headers plus fields the relay manages itself.
var droppedResponseHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Set-Cookie":          true, // re-emitted per cookie after the domain rewrite
}

// Relay converts an upstream response into the response sent to the
// client. Text bodies (HTML/CSS/JS) are decompressed, rewritten so every
// URL reference routes back through the proxy, and re-served
// uncompressed with a recomputed Content-Length. Redirect Location
// headers are re-pointed at the proxy. Set-Cookie domains are detached
// from the upstream host so the browser stores them against the proxy
// origin. Everything else streams through untouched.
//
// A body that cannot be decoded or buffered within the configured limit
// is relayed in its original form rather than dropped.
func (s *ProxyService) Relay(resp *model.UpstreamResponse, target *url.URL) (*model.ClientResponse, error) {
	ctx := &rewrite.Context{Base: target, BasePath: s.cfg.Proxy.BasePath}

	out := &model.ClientResponse{
		StatusCode: resp.StatusCode,
		Header:     make(http.Header),
	}
	for key, vals := range resp.Header {
		if droppedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		out.Header[http.CanonicalHeaderKey(key)] = vals
	}

	for _, raw := range resp.Header.Values("Set-Cookie") {
		out.Cookies = append(out.Cookies, detachCookieDomain(raw, target.Hostname()))
	}

	if loc := out.Header.Get("Location"); loc != "" {
		out.Header.Set("Location", ctx.RewriteToken(loc))
	}

	kind := rewrite.KindFor(resp.Header.Get("Content-Type"))
	if kind == rewrite.KindPassthrough {
		out.Stream = resp.Body
		return out, nil
	}

	buffered, overflow, err := bufferBody(resp.Body, s.cfg.Proxy.MaxRewriteBytes)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if overflow != nil {
		s.logger.Warn("text body exceeds rewrite limit; relaying unmodified",
			"limit_bytes", s.cfg.Proxy.MaxRewriteBytes,
			"target_host", target.Host,
		)
		out.Stream = overflow
		return out, nil
	}

	encoding := resp.Header.Get("Content-Encoding")
	decoded, err := decodeBody(buffered, encoding, s.cfg.Proxy.MaxRewriteBytes)
	if err != nil {
		s.logger.Warn("decode text body failed; relaying unmodified",
			"err", err,
			"encoding", encoding,
			"target_host", target.Host,
		)
		out.Body = buffered
		out.Header.Set("Content-Length", strconv.Itoa(len(buffered)))
		return out, nil
	}

	start := time.Now()
	rewritten := rewrite.Rewrite(decoded, kind, ctx)
	if kind == rewrite.KindHTML && s.cfg.Proxy.BannerHTML != "" {
		rewritten = rewrite.InjectBanner(rewritten, s.cfg.Proxy.BannerHTML)
	}
	if s.metrics != nil {
		s.metrics.RewriteDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
		s.metrics.RewritesTotal.WithLabelValues(kind.String()).Inc()
	}

	out.Header.Del("Content-Encoding")
	out.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	out.Body = rewritten
	return out, nil
}

// bufferBody reads at most max bytes. A larger body comes back as a
// stream that replays the buffered prefix followed by the rest.
func bufferBody(body io.ReadCloser, max int64) ([]byte, io.ReadCloser, error) {
	buf, err := io.ReadAll(io.LimitReader(body, max+1))
	if err != nil {
		return nil, nil, err
	}
	if int64(len(buf)) > max {
		return nil, &replayReader{
			Reader: io.MultiReader(bytes.NewReader(buf), body),
			closer: body,
		}, nil
	}
	return buf, nil, nil
}

type replayReader struct {
	io.Reader
	closer io.Closer
}

func (r *replayReader) Close() error { return r.closer.Close() }

// decodeBody reverses the upstream Content-Encoding so the rewriter
// operates on plain text. The rewrite cap bounds the decoded size, not
// just the wire size: a small compressed body must not expand into an
// unbounded in-memory buffer.
func decodeBody(data []byte, encoding string, max int64) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = fr.Close() }()
		r = fr
	case "br":
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	out, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", encoding, err)
	}
	if int64(len(out)) > max {
		return nil, fmt.Errorf("decoded %s body exceeds %d bytes", encoding, max)
	}
	return out, nil
}

// detachCookieDomain removes Domain attributes that point at the
// upstream host. The cookie pair and all other attributes pass through
// verbatim; each cookie stays its own Set-Cookie header.
func detachCookieDomain(raw, upstreamHost string) string {
	parts := strings.Split(raw, ";")
	kept := parts[:1] // cookie-pair is always first
	for _, part := range parts[1:] {
		name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(strings.TrimSpace(name), "domain") &&
			domainCoversHost(strings.TrimSpace(val), upstreamHost) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ";")
}

// domainCoversHost reports whether a cookie Domain attribute covers the
// given host (exact match or parent domain, leading dot ignored).
func domainCoversHost(domain, host string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	host = strings.ToLower(host)
	return domain != "" && (domain == host || strings.HasSuffix(host, "."+domain))
}
