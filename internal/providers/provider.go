// Package providers defines the upstream completion clients of the gateway.
//
// Every provider accepts an OpenAI-style chat-completion payload and answers
// with an OpenAI-style chat.completion object, so the gateway and its callers
// see one wire format whatever model served the call.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-ledger/internal/request"
)

// Provider is an upstream completion endpoint.
type Provider interface {
	Name() string
	// Complete sends body and returns the completion payload as received or
	// translated to the chat.completion shape.
	Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error)
	HealthCheck(ctx context.Context) error
}

// Default circuit breaker constants and upstream timeout.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	ProviderTimeout   = 120 * time.Second
)

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is an upstream failure.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *Error) HTTPStatus() int { return e.StatusCode }

// IsTimeout reports whether err is an upstream call that ran out of time.
func IsTimeout(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusGatewayTimeout
}

// Message returns the user-facing text of an upstream failure.
func Message(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

type (
	// ChatMessage is one message reduced to role and text.
	ChatMessage struct {
		Role string
		Text string
	}

	// ChatParams are the fields providers without a native chat-completion
	// endpoint translate.
	ChatParams struct {
		Model       string
		Messages    []ChatMessage
		Temperature *float64
		TopP        *float64
		MaxTokens   int
		Stop        []string
		User        string
	}

	// Turn is a run of consecutive messages from one side of the
	// conversation, joined into one text.
	Turn struct {
		Assistant bool
		Text      string
	}
)

// DecodeChatParams validates body and extracts ChatParams. Sampling fields
// of the wrong type are ignored rather than rejected.
func DecodeChatParams(body json.RawMessage) (*ChatParams, error) {
	res := request.ParseRequest(body)
	if !res.OK() {
		return nil, fmt.Errorf("invalid chat payload: %s", res.Issue)
	}
	req := res.Request

	p := &ChatParams{Model: req.Model, Messages: make([]ChatMessage, len(req.Messages))}
	for i, m := range req.Messages {
		p.Messages[i] = ChatMessage{Role: m.Role, Text: m.Text()}
	}

	p.Temperature = floatField(req, "temperature")
	p.TopP = floatField(req, "top_p")
	// max_completion_tokens supersedes the deprecated max_tokens.
	for _, name := range []string{"max_completion_tokens", "max_tokens"} {
		if n, ok := numberField(req, name); ok {
			if v, err := n.Int64(); err == nil && v > 0 {
				p.MaxTokens = int(v)
				break
			}
		}
	}
	if v, ok := req.Field("stop"); ok {
		p.Stop = stopSequences(v)
	}
	if v, ok := req.Field("user"); ok {
		p.User, _ = v.(string)
	}
	return p, nil
}

// Conversation splits messages into a system prompt and alternating turns.
// System and developer messages form the prompt; assistant and model
// messages are assistant turns; any other role speaks for the user.
func Conversation(msgs []ChatMessage) (system string, turns []Turn) {
	var sys []string
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == "system" || role == "developer" {
			sys = append(sys, m.Text)
			continue
		}
		assistant := role == "assistant" || role == "model"
		if n := len(turns); n > 0 && turns[n-1].Assistant == assistant {
			turns[n-1].Text += "\n\n" + m.Text
			continue
		}
		turns = append(turns, Turn{Assistant: assistant, Text: m.Text})
	}
	return strings.Join(sys, "\n"), turns
}

func numberField(req *request.ChatRequest, name string) (json.Number, bool) {
	v, ok := req.Field(name)
	if !ok {
		return "", false
	}
	n, ok := v.(json.Number)
	return n, ok
}

func floatField(req *request.ChatRequest, name string) *float64 {
	n, ok := numberField(req, name)
	if !ok {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return &f
}

// stopSequences accepts the string and array forms of "stop".
func stopSequences(v any) []string {
	switch s := v.(type) {
	case string:
		if s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// Completion is a provider answer to be rendered as chat.completion.
type Completion struct {
	ID               string
	Model            string
	Created          time.Time
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

type (
	completionJSON struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []choiceJSON `json:"choices"`
		Usage   usageJSON    `json:"usage"`
	}
	choiceJSON struct {
		Index        int         `json:"index"`
		Message      messageJSON `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}
	messageJSON struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	usageJSON struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
)

// JSON renders c as an OpenAI chat.completion object.
func (c Completion) JSON() json.RawMessage {
	created := c.Created
	if created.IsZero() {
		created = time.Now()
	}
	finish := c.FinishReason
	if finish == "" {
		finish = "stop"
	}
	out, _ := json.Marshal(completionJSON{
		ID:      c.ID,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   c.Model,
		Choices: []choiceJSON{{
			Index:        0,
			Message:      messageJSON{Role: "assistant", Content: c.Content},
			FinishReason: finish,
		}},
		Usage: usageJSON{
			PromptTokens:     c.PromptTokens,
			CompletionTokens: c.CompletionTokens,
			TotalTokens:      c.PromptTokens + c.CompletionTokens,
		},
	})
	return out
}

// CompletionID builds an id for providers that do not return one.
func CompletionID(prefix string) string {
	return prefix + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// ModelAliases maps third-party model names to the provider serving them.
// Fine-tunes are addressed with the "openpipe:" prefix and never listed here.
var ModelAliases = map[string]string{
	// OpenAI
	"gpt-4":                  "openai",
	"gpt-4-0613":             "openai",
	"gpt-4-32k":              "openai",
	"gpt-4-1106-preview":     "openai",
	"gpt-4-turbo":            "openai",
	"gpt-4-turbo-2024-04-09": "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",
	"gpt-3.5-turbo":          "openai",
	"gpt-3.5-turbo-0613":     "openai",
	"gpt-3.5-turbo-1106":     "openai",
	"gpt-3.5-turbo-0125":     "openai",
	"gpt-3.5-turbo-16k":      "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o3-mini":                "openai",
	"o4-mini":                "openai",

	// Anthropic
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus-20240229":     "anthropic",
	"claude-3-haiku-20240307":    "anthropic",
	"claude-3-7-sonnet-20250219": "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-opus-4":              "anthropic",

	// Google AI Studio
	"gemini-1.5-pro":   "gemini",
	"gemini-1.5-flash": "gemini",
	"gemini-2.0-flash": "gemini",
	"gemini-2.5-pro":   "gemini",
	"gemini-2.5-flash": "gemini",
}
