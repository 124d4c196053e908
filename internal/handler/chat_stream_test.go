package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestChatStreamHandler_Handle_StreamsText(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-user" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer sk-user")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"model":"gpt-4o","stream":true}` {
			t.Errorf("body = %q, want the request body verbatim", body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for _, ev := range []string{
			`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: [DONE]`,
		} {
			_, _ = io.WriteString(w, ev+"\n\n")
			f.Flush()
		}
	}))
	defer upstream.Close()

	_, stream, _ := newTestStack(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat-stream", strings.NewReader(`{"model":"gpt-4o","stream":true}`))
	req.Header.Set("path", "v1/chat/completions")
	req.Header.Set("token", "sk-user")
	req.Header.Set("content-type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := stream.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "Hello" {
		t.Errorf("body = %q, want %q", got, "Hello")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/plain; charset=utf-8", ct)
	}
}

func TestChatStreamHandler_Handle_UpstreamErrorIsFenced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided: sk-wrong. You can find your API key in your account."}}`)
	}))
	defer upstream.Close()

	_, stream, _ := newTestStack(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat-stream", strings.NewReader(`{}`))
	req.Header.Set("path", "/v1/chat/completions")
	req.Header.Set("token", "sk-wrong")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := stream.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.HasPrefix(got, "```json\n") {
		t.Errorf("body = %q, want fenced block", got)
	}
	if strings.Contains(got, "sk-wrong") {
		t.Errorf("body leaked the credential: %q", got)
	}
}

func TestChatStreamHandler_Handle_Unreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	_, stream, _ := newTestStack(t, cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat-stream", strings.NewReader(`{}`))
	req.Header.Set("path", "v1/chat/completions")
	req.Header.Set("token", "sk-user")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := stream.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "```json") {
		t.Errorf("body = %q, want fenced diagnostic", rec.Body.String())
	}
}

func TestChatStreamHandler_Handle_BaseURLOverride(t *testing.T) {
	var hit atomic.Bool
	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit.Store(true)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"text\":\"ok\"}]}\n\ndata: [DONE]\n\n")
	}))
	defer override.Close()

	_, stream, _ := newTestStack(t, testConfig("http://127.0.0.1:1"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat-stream", strings.NewReader(`{}`))
	req.Header.Set("path", "v1/completions")
	req.Header.Set("token", "sk-user")
	req.Header.Set("base-url", override.URL)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := stream.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if !hit.Load() {
		t.Error("override upstream was not called")
	}
	if got := rec.Body.String(); got != "ok" {
		t.Errorf("body = %q, want %q", got, "ok")
	}
}

func TestNewRelayRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/chat-stream", strings.NewReader("abc"))
	req.Header.Set("path", "v1/chat/completions")
	req.Header.Set("token", "sk-1")
	req.Header.Set("base-url", "my-proxy.example.com")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	rr := newRelayRequest(req)

	if rr.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", rr.Method)
	}
	if rr.Path != "v1/chat/completions" || rr.Token != "sk-1" || rr.BaseURL != "my-proxy.example.com" {
		t.Errorf("routing fields = %q/%q/%q", rr.Path, rr.Token, rr.BaseURL)
	}
	if rr.ContentType != "application/json" || rr.Accept != "text/event-stream" {
		t.Errorf("content fields = %q/%q", rr.ContentType, rr.Accept)
	}
	if rr.ContentLength != 3 {
		t.Errorf("ContentLength = %d, want 3", rr.ContentLength)
	}

	req.ContentLength = -1
	if got := newRelayRequest(req).ContentLength; got != -1 {
		t.Errorf("unknown ContentLength = %d, want -1", got)
	}
}
