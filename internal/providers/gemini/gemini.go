// Package gemini answers chat-completion payloads with the Gemini API
// through the Google GenAI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-ledger/internal/providers"
)

const (
	name           = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// apiVersion matches a trailing version segment such as v1 or v1beta.
var apiVersion = regexp.MustCompile(`^v[0-9][a-z0-9]*$`)

type Provider struct {
	key     string
	baseURL string
	timeout time.Duration
	client  *genai.Client
}

type Option func(*Provider)

// WithBaseURL overrides the endpoint. A trailing version segment
// ("/v1beta") selects the API version. An empty value keeps the default.
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

// New builds a Provider. ctx only scopes client construction.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{key: apiKey, baseURL: defaultBaseURL, timeout: providers.ProviderTimeout}
	for _, opt := range opts {
		opt(p)
	}

	base, version, err := splitVersion(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("gemini: base url: %w", err)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: p.timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: version},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", classify(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	chat, err := providers.DecodeChatParams(body)
	if err != nil {
		return nil, &providers.Error{Provider: name, StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	contents, cfg := generateRequest(chat)
	resp, err := p.client.Models.GenerateContent(ctx, chat.Model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}
	return completion(chat.Model, resp).JSON(), nil
}

// generateRequest translates chat into contents and an optional config; the
// config is nil when the payload sets nothing it carries.
func generateRequest(chat *providers.ChatParams) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := providers.Conversation(chat.Messages)

	contents := make([]*genai.Content, len(turns))
	for i, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Assistant {
			role = genai.RoleModel
		}
		contents[i] = genai.NewContentFromText(t.Text, role)
	}

	var cfg genai.GenerateContentConfig
	set := false
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		set = true
	}
	if chat.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*chat.Temperature))
		set = true
	}
	if chat.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*chat.TopP))
		set = true
	}
	if chat.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(chat.MaxTokens)
		set = true
	}
	if len(chat.Stop) > 0 {
		cfg.StopSequences = chat.Stop
		set = true
	}
	if !set {
		return contents, nil
	}
	return contents, &cfg
}

func completion(model string, resp *genai.GenerateContentResponse) providers.Completion {
	c := providers.Completion{Model: model, FinishReason: "stop"}
	if resp != nil {
		c.ID = resp.ResponseID
		c.Content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			c.FinishReason = finishReason(resp.Candidates[0].FinishReason)
		}
		if u := resp.UsageMetadata; u != nil {
			c.PromptTokens = int(u.PromptTokenCount)
			c.CompletionTokens = int(u.CandidatesTokenCount)
		}
	}
	if c.ID == "" {
		c.ID = providers.CompletionID(name)
	}
	return c
}

func finishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety,
		genai.FinishReasonRecitation,
		genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent,
		genai.FinishReasonSPII:
		return "content_filter"
	}
	return "stop"
}

// splitVersion separates a trailing API version segment from raw. The SDK
// wants the base with a trailing slash and the version on its own.
func splitVersion(raw string) (base, version string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	dir, last := path.Split(path.Clean("/" + u.Path))
	if apiVersion.MatchString(last) {
		version = last
		u.Path = dir
	}
	if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	return u.String(), version, nil
}

func classify(err error) error {
	var apiErr genai.APIError
	switch {
	case errors.As(err, &apiErr):
		return &providers.Error{Provider: name, StatusCode: apiErr.Code, Message: apiErr.Message}
	case errors.Is(err, context.DeadlineExceeded):
		return &providers.Error{Provider: name, StatusCode: http.StatusGatewayTimeout, Message: "request timed out"}
	}
	return &providers.Error{Provider: name, Message: err.Error()}
}
