package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"chat-relay/internal/relay"
	"chat-relay/internal/service"
)

// Forwarder sends one request upstream.
type Forwarder = relay.Dispatcher

// ProxyHandler passes requests through to the upstream unchanged, for the
// non-chat calls the browser client makes (model listing, speech, transcription).
type ProxyHandler struct {
	forwarder Forwarder
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(d *service.Dispatcher, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder: d,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back verbatim.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	rr := newRelayRequest(req)

	resp, err := h.forwarder.Forward(rr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range service.FilterResponseHeaders(resp.Header) {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", relay.Redact(err.Error()),
			"path", rr.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", relay.Redact(err.Error()),
		"path", c.Request().Header.Get("path"),
	)

	switch {
	case errors.Is(err, service.ErrMissingToken):
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "token required: send a token header or set upstream.api_key",
		})
	case errors.Is(err, service.ErrMissingPath):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "path header required",
		})
	case errors.Is(err, service.ErrHostNotAllowed):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "upstream host not allowed",
		})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
