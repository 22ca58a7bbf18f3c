// Package openai forwards chat-completion payloads to OpenAI unchanged.
//
// The ledger records exactly what the caller sent and what OpenAI answered,
// so the body is posted as raw JSON rather than rebuilt from SDK params:
// fields the SDK does not model yet still reach the upstream and come back.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-ledger/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1/"
	providerName   = "openai"
)

type Provider struct {
	apiKey       string
	baseURL      string
	organization string
	project      string
	timeout      time.Duration
	client       openaiSDK.Client
}

type Option func(*Provider)

// WithBaseURL points the client at an OpenAI-compatible server; the path
// prefix ("/v1") is kept.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithOrganization bills calls to an OpenAI organization.
func WithOrganization(id string) Option {
	return func(p *Provider) { p.organization = id }
}

// WithProject bills calls to an OpenAI project.
func WithProject(id string) Option {
	return func(p *Provider) { p.project = id }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: p.timeout}),
		option.WithMaxRetries(0),
	}
	if p.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(p.organization))
	}
	if p.project != "" {
		reqOpts = append(reqOpts, option.WithProject(p.project))
	}
	p.client = openaiSDK.NewClient(reqOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// Complete posts body to chat/completions and returns the response bytes.
func (p *Provider) Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	if p.apiKey == "" {
		return nil, &providers.Error{Provider: providerName, Message: "no API key configured"}
	}
	if !json.Valid(body) {
		return nil, &providers.Error{Provider: providerName, StatusCode: http.StatusBadRequest, Message: "request body is not JSON"}
	}

	var raw []byte
	if err := p.client.Post(ctx, "chat/completions", body, &raw); err != nil {
		return nil, toProviderError(err)
	}
	if !json.Valid(raw) {
		return nil, &providers.Error{Provider: providerName, StatusCode: http.StatusBadGateway, Message: "upstream returned a non-JSON body"}
	}
	return raw, nil
}

func toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	switch {
	case errors.As(err, &apiErr):
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &providers.Error{Provider: providerName, StatusCode: apiErr.StatusCode, Message: msg}
	case errors.Is(err, context.DeadlineExceeded):
		return &providers.Error{Provider: providerName, StatusCode: http.StatusGatewayTimeout, Message: "request timed out"}
	default:
		return &providers.Error{Provider: providerName, Message: err.Error()}
	}
}
