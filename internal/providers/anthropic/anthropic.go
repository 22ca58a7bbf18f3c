// Package anthropic answers chat-completion payloads with the Anthropic
// Messages API, translating both directions so callers only ever see the
// chat.completion shape.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-ledger/internal/providers"
)

const (
	name = "anthropic"

	defaultBaseURL = "https://api.anthropic.com/"

	// Messages requires max_tokens; chat payloads usually omit it.
	fallbackMaxTokens = 4096
)

type Provider struct {
	key     string
	baseURL string
	timeout time.Duration
	client  anthropic.Client
}

type Option func(*Provider)

// WithBaseURL points the client at another Messages-compatible server. An
// empty value keeps the default.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New builds a Provider. Retries are disabled: the circuit breaker owns
// failure handling.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{key: apiKey, baseURL: defaultBaseURL, timeout: providers.ProviderTimeout}
	for _, opt := range opts {
		opt(p)
	}
	p.client = anthropic.NewClient(
		option.WithAPIKey(p.key),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: p.timeout}),
		option.WithMaxRetries(0),
	)
	return p
}

func (p *Provider) Name() string { return name }

// HealthCheck lists a single model.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return fmt.Errorf("anthropic: health check: %w", classify(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	if p.key == "" {
		return nil, &providers.Error{Provider: name, Message: "no API key configured"}
	}

	chat, err := providers.DecodeChatParams(body)
	if err != nil {
		return nil, &providers.Error{Provider: name, StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	msg, err := p.client.Messages.New(ctx, messageParams(chat))
	if err != nil {
		return nil, classify(err)
	}
	return completion(msg).JSON(), nil
}

func messageParams(chat *providers.ChatParams) anthropic.MessageNewParams {
	system, turns := providers.Conversation(chat.Messages)

	maxTokens := int64(chat.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = fallbackMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(chat.Model),
		MaxTokens:     maxTokens,
		Messages:      make([]anthropic.MessageParam, len(turns)),
		StopSequences: chat.Stop,
	}
	for i, t := range turns {
		block := anthropic.NewTextBlock(t.Text)
		if t.Assistant {
			params.Messages[i] = anthropic.NewAssistantMessage(block)
		} else {
			params.Messages[i] = anthropic.NewUserMessage(block)
		}
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if chat.Temperature != nil {
		params.Temperature = anthropic.Float(*chat.Temperature)
	}
	if chat.TopP != nil {
		params.TopP = anthropic.Float(*chat.TopP)
	}
	if chat.User != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(chat.User)}
	}
	return params
}

func completion(msg *anthropic.Message) providers.Completion {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return providers.Completion{
		ID:               msg.ID,
		Model:            string(msg.Model),
		Content:          text.String(),
		FinishReason:     finishReason(msg.StopReason),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
}

func finishReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonMaxTokens:
		return "length"
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case "refusal":
		return "content_filter"
	}
	return "stop"
}

// classify maps SDK errors onto providers.Error. API errors keep their
// status and the message from the error envelope.
func classify(err error) error {
	var apiErr *anthropic.Error
	switch {
	case errors.As(err, &apiErr):
		return &providers.Error{Provider: name, StatusCode: apiErr.StatusCode, Message: envelopeMessage(apiErr)}
	case errors.Is(err, context.DeadlineExceeded):
		return &providers.Error{Provider: name, StatusCode: http.StatusGatewayTimeout, Message: "request timed out"}
	}
	return &providers.Error{Provider: name, Message: err.Error()}
}

func envelopeMessage(apiErr *anthropic.Error) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(apiErr.RawJSON()), &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if text := http.StatusText(apiErr.StatusCode); text != "" {
		return text
	}
	return apiErr.Error()
}
