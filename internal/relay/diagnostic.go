package relay

import (
	"encoding/json"
	"regexp"
	"strings"
)

// credentialEcho matches the part of an upstream auth error that repeats the key back.
var credentialEcho = regexp.MustCompile(`provided:.*. You`)

// Redact masks credentials echoed by the upstream. Applying it twice is a no-op.
func Redact(s string) string {
	return credentialEcho.ReplaceAllString(s, "provided: ***. You")
}

// Fence wraps body in a json code fence so the browser renders it verbatim.
func Fence(body string) string {
	var b strings.Builder
	b.Grow(len(body) + 12)
	b.WriteString("```json\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("```")
	return b.String()
}

// errorBlock renders err as a fenced JSON diagnostic.
func errorBlock(kind string, err error) string {
	payload := map[string]any{
		"error": map[string]string{
			"type":    kind,
			"message": Redact(err.Error()),
		},
	}
	b, mErr := json.MarshalIndent(payload, "", "  ")
	if mErr != nil {
		return Fence(Redact(err.Error()))
	}
	return Fence(string(b))
}
