package relay

import (
	"errors"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "openai invalid key message",
			in:   `Incorrect API key provided: sk-abc123. You can find your API key at https://platform.openai.com/account/api-keys.`,
			want: `Incorrect API key provided: ***. You can find your API key at https://platform.openai.com/account/api-keys.`,
		},
		{
			name: "no credential echo",
			in:   `{"error":{"message":"model not found"}}`,
			want: `{"error":{"message":"model not found"}}`,
		},
		{
			name: "only within one line",
			in:   "key provided: sk-1\nYou can retry",
			want: "key provided: sk-1\nYou can retry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)
			if got != tt.want {
				t.Errorf("Redact() = %q, want %q", got, tt.want)
			}
			if again := Redact(got); again != got {
				t.Errorf("Redact() not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, "```json\n{\"a\":1}\n```"},
		{"{\"a\":1}\n", "```json\n{\"a\":1}\n```"},
		{"", "```json\n\n```"},
	}
	for _, tt := range tests {
		if got := Fence(tt.in); got != tt.want {
			t.Errorf("Fence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestErrorBlock(t *testing.T) {
	got := errorBlock("stream_error", errors.New("incorrect key provided: sk-secret. You should rotate it"))

	if !strings.HasPrefix(got, "```json\n") || !strings.HasSuffix(got, "\n```") {
		t.Fatalf("errorBlock() not fenced: %q", got)
	}
	if strings.Contains(got, "sk-secret") {
		t.Errorf("errorBlock() leaked credential: %q", got)
	}
	for _, want := range []string{`"type": "stream_error"`, `provided: ***. You`} {
		if !strings.Contains(got, want) {
			t.Errorf("errorBlock() = %q, want it to contain %q", got, want)
		}
	}
}
