// Package request validates chat-completion payloads received at the gateway
// boundary.
//
// Validation never fails with an error: a payload that does not match the
// minimal shape is a first-class outcome carried in the result, because
// malformed calls are still recorded for audit.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FineTunePrefix marks a model name that targets a self-hosted fine-tune.
// The remainder of the name is the fine-tune slug.
const FineTunePrefix = "openpipe:"

type (
	// Message is one entry of the "messages" array. Elements that are not
	// JSON objects yield an empty Message; the payload keeps them as sent.
	Message struct {
		Role    string
		Content any
	}

	// ChatRequest is a validated chat-completion payload. All fields of the
	// original payload are retained so it can be forwarded and fingerprinted
	// as a whole.
	ChatRequest struct {
		Model    string
		Messages []Message
		payload  map[string]any
	}

	// RequestResult is the outcome of ParseRequest. Exactly one of Request
	// and Issue is set.
	RequestResult struct {
		Request *ChatRequest
		Issue   string
	}
)

// OK reports whether the payload validated.
func (r RequestResult) OK() bool { return r.Request != nil }

// ParseRequest validates raw against {model: string, messages: array}.
func ParseRequest(raw []byte) RequestResult {
	obj, issue := decodeObject(raw)
	if issue != "" {
		return RequestResult{Issue: issue}
	}

	model, ok := obj["model"].(string)
	if !ok {
		return RequestResult{Issue: fieldIssue("model", "string", obj["model"])}
	}
	items, ok := obj["messages"].([]any)
	if !ok {
		return RequestResult{Issue: fieldIssue("messages", "array", obj["messages"])}
	}

	msgs := make([]Message, len(items))
	for i, item := range items {
		msgs[i] = newMessage(item)
	}

	return RequestResult{Request: &ChatRequest{
		Model:    model,
		Messages: msgs,
		payload:  obj,
	}}
}

// FineTuneSlug returns the fine-tune slug addressed by model and whether the
// model carries the fine-tune prefix at all.
func FineTuneSlug(model string) (string, bool) {
	if !strings.HasPrefix(model, FineTunePrefix) {
		return "", false
	}
	return strings.TrimPrefix(model, FineTunePrefix), true
}

// Canonical returns a stable serialization of the request: object keys are
// sorted, insignificant whitespace is dropped and numbers keep their literal
// form. Two payloads that differ only in key order or formatting produce the
// same bytes.
func (r *ChatRequest) Canonical() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// A payload decoded by ParseRequest always re-encodes.
	_ = enc.Encode(r.payload)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// MarshalJSON encodes the full payload.
func (r *ChatRequest) MarshalJSON() ([]byte, error) {
	return r.Canonical(), nil
}

// Field returns a top-level payload field.
func (r *ChatRequest) Field(name string) (any, bool) {
	v, ok := r.payload[name]
	return v, ok
}

// WithModel returns a copy of the request addressed to model.
func (r *ChatRequest) WithModel(model string) *ChatRequest {
	out := r.clone()
	out.Model = model
	out.payload["model"] = model
	return out
}

// Pruned returns a copy of the request with every occurrence of each rule
// removed from message text. The receiver is not modified.
func (r *ChatRequest) Pruned(rules []string) *ChatRequest {
	out := r.clone()
	if len(rules) == 0 {
		return out
	}

	items, _ := out.payload["messages"].([]any)
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		m["content"] = pruneContent(m["content"], rules)
		items[i] = m
		out.Messages[i] = newMessage(m)
	}
	return out
}

func (r *ChatRequest) clone() *ChatRequest {
	payload, _ := deepCopy(r.payload).(map[string]any)
	items, _ := payload["messages"].([]any)
	msgs := make([]Message, len(items))
	for i, item := range items {
		msgs[i] = newMessage(item)
	}
	return &ChatRequest{Model: r.Model, Messages: msgs, payload: payload}
}

// Text returns the textual content of the message: a string content as-is,
// or the concatenated "text" parts of an array content.
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, part := range c {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := p["text"].(string); ok {
				sb.WriteString(t)
			}
		}
		return sb.String()
	}
	return ""
}

func newMessage(item any) Message {
	m, ok := item.(map[string]any)
	if !ok {
		return Message{}
	}
	role, _ := m["role"].(string)
	return Message{Role: role, Content: m["content"]}
}

func pruneContent(content any, rules []string) any {
	switch c := content.(type) {
	case string:
		return pruneText(c, rules)
	case []any:
		for _, part := range c {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := p["text"].(string); ok {
				p["text"] = pruneText(t, rules)
			}
		}
		return c
	}
	return content
}

func pruneText(s string, rules []string) string {
	for _, rule := range rules {
		if rule == "" {
			continue
		}
		s = strings.ReplaceAll(s, rule, "")
	}
	return s
}

// decodeObject decodes raw as a JSON object, preserving number literals.
func decodeObject(raw []byte) (map[string]any, string) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, "Required: payload is missing"
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Sprintf("Invalid JSON: %s", err.Error())
	}
	if dec.More() {
		return nil, "Invalid JSON: trailing data after payload"
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Sprintf("Expected object, received %s", typeName(v))
	}
	return obj, ""
}

func fieldIssue(field, want string, got any) string {
	if got == nil {
		return fmt.Sprintf("%s: Required", field)
	}
	return fmt.Sprintf("%s: Expected %s, received %s", field, want, typeName(got))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	}
	return v
}
