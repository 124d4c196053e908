// Package service implements the upstream dispatch logic shared by the relay
// and the pass-through proxy.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"chat-relay/internal/client"
	"chat-relay/internal/config"
	"chat-relay/internal/model"
)

var (
	// ErrMissingToken is returned when neither the request nor the config carries a credential.
	ErrMissingToken = errors.New("upstream token required: send a token header or set upstream.api_key")
	// ErrMissingPath is returned when the request names no upstream route.
	ErrMissingPath = errors.New("upstream path required: send a path header")
	// ErrHostNotAllowed is returned when a base-url override targets a host outside upstream.allowed_hosts.
	ErrHostNotAllowed = errors.New("upstream host is not in the allowlist")
)

// schemePattern matches an origin that already carries a URI scheme.
var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// forwardableResponseHeaders are the only response headers the pass-through proxy returns.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":          true,
	"Content-Length":        true,
	"Content-Encoding":      true,
	"Content-Disposition":   true,
	"Cache-Control":         true,
	"Date":                  true,
	"X-Request-Id":          true,
	"Openai-Processing-Ms":  true,
	"Openai-Organization":   true,
	"X-Ratelimit-Remaining": true,
}

const userAgent = "chat-relay/1.0"

// Dispatcher turns one inbound request into one upstream HTTP call.
type Dispatcher struct {
	client       *client.UpstreamClient
	cfg          *config.Config
	logger       *slog.Logger
	allowedHosts map[string]bool
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	var allowed map[string]bool
	if len(cfg.Upstream.AllowedHosts) > 0 {
		allowed = make(map[string]bool, len(cfg.Upstream.AllowedHosts))
		for _, h := range cfg.Upstream.AllowedHosts {
			allowed[strings.ToLower(h)] = true
		}
	}
	return &Dispatcher{
		client:       c,
		cfg:          cfg,
		logger:       logger.With("component", "dispatcher"),
		allowedHosts: allowed,
	}
}

// Forward sends rr upstream and returns the raw response, whatever its status.
// The caller is responsible for closing the response body.
//
// The upstream origin is resolved in order: base-url override → configured
// base_url, each prefixed with the configured protocol unless it already has
// a scheme. The bearer token is resolved in order: token header → upstream.api_key,
// the latter withheld from override hosts unless upstream.allowed_hosts is set.
func (d *Dispatcher) Forward(rr *model.RelayRequest) (*model.UpstreamResponse, error) {
	path := strings.TrimLeft(strings.TrimSpace(rr.Path), "/")
	if path == "" {
		return nil, ErrMissingPath
	}
	origin, err := d.ResolveOrigin(rr.BaseURL)
	if err != nil {
		return nil, err
	}
	token := d.resolveToken(rr.Token, strings.TrimSpace(rr.BaseURL) != "")
	if token == "" {
		return nil, ErrMissingToken
	}
	upstreamURL := origin + "/" + path
	header := d.buildHeaders(rr, token)

	d.logger.Debug("forwarding request",
		"method", rr.Method,
		"origin", origin,
		"path", path,
		"organization", d.cfg.Upstream.Organization != "",
	)

	resp, err := d.client.DoStream(rr.Ctx, rr.Method, upstreamURL, header, rr.Body, rr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// ResolveOrigin returns the scheme://host origin for a request, without a trailing slash.
// An override host is checked against upstream.allowed_hosts when that list is set.
func (d *Dispatcher) ResolveOrigin(override string) (string, error) {
	override = strings.TrimSpace(override)
	base := override
	if base == "" {
		base = d.cfg.Upstream.BaseURL
	}
	if !schemePattern.MatchString(base) {
		base = d.cfg.Upstream.Protocol + "://" + base
	}
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid upstream origin %q", base)
	}
	if override != "" && d.allowedHosts != nil && !d.allowedHosts[strings.ToLower(u.Hostname())] {
		return "", fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Hostname())
	}
	return base, nil
}

// resolveToken prefers the request's own token. The configured api_key is
// only sent to the default origin, or to an override host that passed a
// non-empty upstream.allowed_hosts check.
func (d *Dispatcher) resolveToken(token string, overridden bool) string {
	if t := strings.TrimSpace(token); t != "" {
		return t
	}
	if overridden && d.allowedHosts == nil {
		return ""
	}
	return d.cfg.Upstream.APIKey
}

func (d *Dispatcher) buildHeaders(rr *model.RelayRequest, token string) http.Header {
	dst := make(http.Header)
	contentType := rr.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	dst.Set("Content-Type", contentType)
	dst.Set("Authorization", "Bearer "+token)
	if org := d.cfg.Upstream.Organization; org != "" {
		dst.Set("OpenAI-Organization", org)
	}
	if rr.Accept != "" {
		dst.Set("Accept", rr.Accept)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// FilterResponseHeaders keeps only the upstream headers safe to hand back to a browser.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
