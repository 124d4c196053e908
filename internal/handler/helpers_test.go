package handler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"chat-relay/internal/client"
	"chat-relay/internal/config"
	"chat-relay/internal/relay"
	"chat-relay/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig points the relay at an httptest upstream.
func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			Protocol:        "http",
			BaseURL:         upstreamURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

// newTestStack builds the dispatcher and both relay handlers over cfg.
func newTestStack(t *testing.T, cfg *config.Config) (*service.Dispatcher, *ChatStreamHandler, *ProxyHandler) {
	t.Helper()
	logger := discardLogger()
	uc := client.NewUpstreamClient(cfg, logger, nil)
	d := service.NewDispatcher(uc, cfg, logger)
	r := relay.New(d, relay.Options{MaxDuration: 10 * time.Second}, logger, nil)
	return d, NewChatStreamHandler(r, logger), NewProxyHandler(d, logger)
}
