// Package usage computes token counts and cost for a recorded call.
//
// Third-party models are billed on the provider's declared usage (estimated
// with tiktoken when absent) at the provider's rate for the exact model
// name. Self-hosted fine-tunes are billed on the pruned prompt, at the rate
// of the fine-tune's base model.
package usage

import (
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-ledger/internal/request"
	"github.com/nulpointcorp/llm-ledger/internal/tokens"
)

// ProviderKind selects the accounting rules for a call.
type ProviderKind int

const (
	ThirdParty ProviderKind = iota
	SelfHosted
)

func (k ProviderKind) String() string {
	if k == SelfHosted {
		return "self_hosted"
	}
	return "third_party"
}

// ModelMeta describes the model that served a call.
type ModelMeta struct {
	Kind ProviderKind
	// BaseModel and PruningRules apply to SelfHosted only.
	BaseModel    string
	PruningRules []string
}

// Usage is the accounting result. OutputTokens is nil when the response did
// not validate; Cost is nil when no rate is known for the model.
type Usage struct {
	InputTokens  int
	OutputTokens *int
	Cost         *decimal.Decimal
}

// Accountant computes Usage. Safe for concurrent use.
type Accountant struct {
	counter    *tokens.Counter
	thirdParty Pricing
	selfHosted Pricing
}

// NewAccountant returns an Accountant using the given rate tables. Nil
// tables fall back to the defaults.
func NewAccountant(counter *tokens.Counter, thirdParty, selfHosted Pricing) *Accountant {
	if counter == nil {
		counter = tokens.NewCounter()
	}
	if thirdParty == nil {
		thirdParty = DefaultThirdPartyPricing()
	}
	if selfHosted == nil {
		selfHosted = DefaultSelfHostedPricing()
	}
	return &Accountant{counter: counter, thirdParty: thirdParty, selfHosted: selfHosted}
}

// Compute returns the usage of one call, or nil when nothing billable can be
// derived (invalid request, unknown fine-tune base model, tokenizer failure).
func (a *Accountant) Compute(req request.RequestResult, resp request.ResponseResult, meta ModelMeta) *Usage {
	if !req.OK() {
		return nil
	}
	switch meta.Kind {
	case SelfHosted:
		return a.selfHostedUsage(req.Request, resp, meta)
	default:
		return a.thirdPartyUsage(req.Request, resp)
	}
}

func (a *Accountant) thirdPartyUsage(req *request.ChatRequest, resp request.ResponseResult) *Usage {
	model := req.Model
	var u Usage

	switch {
	case resp.OK() && resp.Response.Usage != nil:
		u.InputTokens = resp.Response.Usage.PromptTokens
		out := resp.Response.Usage.CompletionTokens
		u.OutputTokens = &out
	default:
		in, err := a.counter.CountChat(model, chatMessages(req))
		if err != nil {
			return nil
		}
		u.InputTokens = in
		if resp.OK() {
			out, err := a.counter.CountText(model, resp.Response.CompletionText())
			if err != nil {
				return nil
			}
			u.OutputTokens = &out
		}
	}

	if rate, ok := a.thirdParty.Lookup(model); ok {
		u.Cost = cost(rate, u)
	}
	return &u
}

func (a *Accountant) selfHostedUsage(req *request.ChatRequest, resp request.ResponseResult, meta ModelMeta) *Usage {
	if meta.BaseModel == "" {
		return nil
	}

	pruned := req.Pruned(meta.PruningRules)
	in, err := a.counter.CountChat(meta.BaseModel, chatMessages(pruned))
	if err != nil {
		return nil
	}
	u := Usage{InputTokens: in}

	if resp.OK() {
		out, err := a.counter.CountText(meta.BaseModel, resp.Response.CompletionText())
		if err != nil {
			return nil
		}
		u.OutputTokens = &out
	}

	if rate, ok := a.selfHosted.Lookup(meta.BaseModel); ok {
		u.Cost = cost(rate, u)
	}
	return &u
}

func cost(rate Rate, u Usage) *decimal.Decimal {
	c := rate.Prompt.Mul(decimal.NewFromInt(int64(u.InputTokens)))
	if u.OutputTokens != nil {
		c = c.Add(rate.Completion.Mul(decimal.NewFromInt(int64(*u.OutputTokens))))
	}
	return &c
}

func chatMessages(req *request.ChatRequest) []tokens.ChatMessage {
	out := make([]tokens.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		out[i] = tokens.ChatMessage{Role: m.Role, Text: m.Text()}
	}
	return out
}
