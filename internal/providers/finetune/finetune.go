// Package finetune sends chat completions to self-hosted fine-tunes. Each
// fine-tune exposes an OpenAI-compatible endpoint at its inference URL.
package finetune

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-ledger/internal/providers"
	"github.com/nulpointcorp/llm-ledger/internal/request"
)

// Provider is an OpenAI-compatible client bound to one inference URL.
type Provider struct {
	name    string
	baseURL string
	client  openaiSDK.Client
}

// New creates a Provider for baseURL. apiKey may be empty for endpoints
// without authentication.
func New(baseURL, apiKey string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	p := &Provider{
		name:    "finetune:" + baseURL,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

// Complete sends body, which must already be addressed to the fine-tune (see
// Prepare), and returns the raw chat.completion payload.
func (p *Provider) Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	chat, err := providers.DecodeChatParams(body)
	if err != nil {
		return nil, &providers.Error{Provider: p.name, StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	resp, err := p.client.Chat.Completions.New(ctx, buildParams(chat))
	if err != nil {
		return nil, p.toProviderError(err)
	}
	return json.RawMessage(resp.RawJSON()), nil
}

// Prepare readies a caller's request for a fine-tune: the slug replaces the
// prefixed model name and every pruning rule is removed from message text.
func Prepare(req *request.ChatRequest, slug string, rules []string) json.RawMessage {
	return req.Pruned(rules).WithModel(slug).Canonical()
}

func buildParams(chat *providers.ChatParams) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Text))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    chat.Model,
	}
	if chat.Temperature != nil {
		params.Temperature = openaiSDK.Float(*chat.Temperature)
	}
	if chat.TopP != nil {
		params.TopP = openaiSDK.Float(*chat.TopP)
	}
	if chat.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(chat.MaxTokens))
	}
	if len(chat.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: chat.Stop}
	}
	if chat.User != "" {
		params.User = openaiSDK.String(chat.User)
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = http.StatusText(apierr.StatusCode)
		}
		return &providers.Error{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Message:    msg,
		}
	}
	return &providers.Error{Provider: p.name, Message: err.Error()}
}

// Pool hands out one Provider per inference URL.
type Pool struct {
	apiKey  string
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Provider
}

func NewPool(apiKey string, timeout time.Duration) *Pool {
	return &Pool{apiKey: apiKey, timeout: timeout, clients: make(map[string]*Provider)}
}

// For returns the Provider for inferenceURL, creating it on first use.
func (p *Pool) For(inferenceURL string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[inferenceURL]; ok {
		return c
	}
	c := New(inferenceURL, p.apiKey, p.timeout)
	p.clients[inferenceURL] = c
	return c
}
