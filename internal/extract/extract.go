// Package extract pulls the displayable fragment out of one upstream event payload.
//
// Upstreams disagree on where the text lives. Each known layout is a named
// Shape with its own decoder; Extract tries them in a fixed priority order
// and the first shape that recognises the payload decides the result.
package extract

import (
	"github.com/tidwall/gjson"
)

// Shape is one known payload layout.
type Shape struct {
	Name   string
	Decode func(gjson.Result) (string, bool)
}

// Shapes lists the layouts in priority order, most specific first.
var Shapes = []Shape{
	{Name: "delta_text", Decode: textAt("choices.0.delta.content")},
	{Name: "delta_parts", Decode: partsAt("choices.0.delta.content")},
	{Name: "message_text", Decode: textAt("choices.0.message.content")},
	{Name: "message_parts", Decode: partsAt("choices.0.message.content")},
	{Name: "completion_text", Decode: textAt("choices.0.text")},
	{Name: "flat_content", Decode: textAt("content")},
	{Name: "flat_delta", Decode: textAt("delta")},
	{Name: "flat_parts", Decode: partsAt("content")},
}

// Result is the outcome of one extraction.
type Result struct {
	Fragment string
	Shape    string // empty when no shape matched
	Valid    bool   // false when the payload is not JSON
}

// Extract decodes payload against Shapes. A matched shape may yield an empty
// fragment (a role-only delta, say); that still ends the search. Any panic
// while probing is treated as no match.
func Extract(payload string) (res Result) {
	if !gjson.Valid(payload) {
		return Result{}
	}
	res.Valid = true

	defer func() {
		if recover() != nil {
			res = Result{Valid: true}
		}
	}()

	doc := gjson.Parse(payload)
	for _, s := range Shapes {
		if frag, ok := s.Decode(doc); ok {
			return Result{Fragment: frag, Shape: s.Name, Valid: true}
		}
	}
	return res
}

// textAt matches when path holds a string.
func textAt(path string) func(gjson.Result) (string, bool) {
	return func(doc gjson.Result) (string, bool) {
		v := doc.Get(path)
		if v.Type != gjson.String {
			return "", false
		}
		return v.Str, true
	}
}

// partsAt matches a multi-part content array at path. An image URL part wins
// over a video URL part, which wins over the first part with a text string.
func partsAt(path string) func(gjson.Result) (string, bool) {
	return func(doc gjson.Result) (string, bool) {
		v := doc.Get(path)
		if !v.IsArray() {
			return "", false
		}
		parts := v.Array()
		if u, ok := urlPart(parts, "image_url"); ok {
			return u, true
		}
		if u, ok := urlPart(parts, "video_url"); ok {
			return u, true
		}
		// Only the first part carrying a text string counts; an empty one
		// leaves the payload to the next shape.
		for _, p := range parts {
			if t := p.Get("text"); t.Type == gjson.String {
				return t.Str, t.Str != ""
			}
		}
		return "", false
	}
}

func urlPart(parts []gjson.Result, kind string) (string, bool) {
	for _, p := range parts {
		if p.Get("type").Str != kind {
			continue
		}
		if u := p.Get(kind + ".url"); u.Type == gjson.String {
			return u.Str, true
		}
	}
	return "", false
}
