package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"webmirror-go/internal/model"
	"webmirror-go/internal/resolver"
	"webmirror-go/internal/service"
)

// ProxyHandler serves the proxy entry point: it resolves the target named
// by the url query parameter, forwards the request, and relays the
// (rewritten) response.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the target and writes the relayed response. GET and
// POST share this handler; the POST body passes through byte for byte.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	raw := c.QueryParam("url")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing url query parameter",
		})
	}

	target, err := resolver.Resolve(raw)
	if err != nil {
		return h.mapError(c, err)
	}

	// Every query parameter besides url belongs to the proxied request.
	extra := req.URL.Query()
	extra.Del("url")
	if len(extra) > 0 {
		q := target.Query()
		for key, vals := range extra {
			for _, v := range vals {
				q.Add(key, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Target: target,
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := h.service.Relay(resp, target)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range out.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	// Each cookie stays its own Set-Cookie header; merging them would
	// corrupt attribute lists.
	for _, cookie := range out.Cookies {
		c.Response().Header().Add("Set-Cookie", cookie)
	}

	c.Response().WriteHeader(out.StatusCode)

	if out.Stream != nil {
		// The status code is already on the wire; a copy failure here
		// means a truncated response, which we can only log.
		if _, err := io.Copy(c.Response(), out.Stream); err != nil {
			h.logger.Error("streaming response body",
				"err", err,
				"target_host", target.Host,
			)
		}
		return nil
	}

	if _, err := c.Response().Write(out.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"target_host", target.Host,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var invalid *resolver.InvalidTargetError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": invalid.Error(),
		})
	}

	if errors.Is(err, service.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream host unreachable",
	})
}
