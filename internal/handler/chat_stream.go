package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chat-relay/internal/model"
	"chat-relay/internal/relay"
)

// ChatStreamHandler serves the streaming chat endpoint.
type ChatStreamHandler struct {
	relay  *relay.Relay
	logger *slog.Logger
}

// NewChatStreamHandler creates a ChatStreamHandler.
func NewChatStreamHandler(r *relay.Relay, logger *slog.Logger) *ChatStreamHandler {
	return &ChatStreamHandler{
		relay:  r,
		logger: logger.With("component", "chat_stream_handler"),
	}
}

// Handle relays the request upstream and streams the extracted text back.
// Failures are reported in the body, so it always returns nil.
func (h *ChatStreamHandler) Handle(c echo.Context) error {
	rr := newRelayRequest(c.Request())

	sum := h.relay.Serve(c.Response(), rr)

	h.logger.Info("chat stream finished",
		"outcome", string(sum.Outcome),
		"upstream_status", sum.UpstreamStatus,
		"events", sum.Events,
		"malformed", sum.Malformed,
		"fragments", sum.Fragments,
		"heartbeats", sum.Heartbeats,
		"bytes", sum.Bytes,
		"duration_ms", sum.Duration.Milliseconds(),
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)
	return nil
}

// newRelayRequest reads the routing headers the browser client sends.
func newRelayRequest(req *http.Request) *model.RelayRequest {
	length := req.ContentLength
	if length < 0 {
		length = -1
	}
	return &model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.Header.Get("path"),
		Token:         req.Header.Get("token"),
		BaseURL:       req.Header.Get("base-url"),
		ContentType:   req.Header.Get("content-type"),
		ContentLength: length,
		Accept:        req.Header.Get("accept"),
		Body:          req.Body,
	}
}
