package usage

import (
	"maps"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Rate is a per-token price in USD.
type Rate struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
}

// Pricing maps a model name to its rate.
type Pricing map[string]Rate

// NewRate builds a Rate from per-1K-token prices, the unit providers publish.
func NewRate(promptPer1K, completionPer1K string) Rate {
	thousand := decimal.NewFromInt(1000)
	return Rate{
		Prompt:     decimal.RequireFromString(promptPer1K).Div(thousand),
		Completion: decimal.RequireFromString(completionPer1K).Div(thousand),
	}
}

// Lookup returns the rate listed under exactly model.
func (p Pricing) Lookup(model string) (Rate, bool) {
	r, ok := p[model]
	return r, ok
}

// Merge returns a copy of p with every entry of over applied on top. An
// override naming an entry of p in another case replaces that entry, since
// configuration keys arrive lowercased. Overrides apply in sorted key order.
func (p Pricing) Merge(over Pricing) Pricing {
	out := make(Pricing, len(p)+len(over))
	folded := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
		folded[strings.ToLower(k)] = k
	}
	for _, k := range slices.Sorted(maps.Keys(over)) {
		key := k
		if existing, ok := folded[strings.ToLower(k)]; ok {
			key = existing
		}
		out[key] = over[k]
	}
	return out
}

// DefaultThirdPartyPricing holds OpenAI list prices for chat models.
func DefaultThirdPartyPricing() Pricing {
	return Pricing{
		"gpt-4":                  NewRate("0.03", "0.06"),
		"gpt-4-0613":             NewRate("0.03", "0.06"),
		"gpt-4-32k":              NewRate("0.06", "0.12"),
		"gpt-4-32k-0613":         NewRate("0.06", "0.12"),
		"gpt-4-1106-preview":     NewRate("0.01", "0.03"),
		"gpt-4-turbo":            NewRate("0.01", "0.03"),
		"gpt-4-turbo-2024-04-09": NewRate("0.01", "0.03"),
		"gpt-4o":                 NewRate("0.0025", "0.01"),
		"gpt-4o-mini":            NewRate("0.00015", "0.0006"),
		"gpt-3.5-turbo":          NewRate("0.0015", "0.002"),
		"gpt-3.5-turbo-0613":     NewRate("0.0015", "0.002"),
		"gpt-3.5-turbo-1106":     NewRate("0.001", "0.002"),
		"gpt-3.5-turbo-0125":     NewRate("0.0005", "0.0015"),
		"gpt-3.5-turbo-16k":      NewRate("0.003", "0.004"),
		"gpt-3.5-turbo-16k-0613": NewRate("0.003", "0.004"),
	}
}

// DefaultSelfHostedPricing holds serving prices for fine-tune base models.
func DefaultSelfHostedPricing() Pricing {
	return Pricing{
		"LLAMA2_7b":     NewRate("0.0012", "0.0016"),
		"LLAMA2_13b":    NewRate("0.0024", "0.0032"),
		"LLAMA2_70b":    NewRate("0.0096", "0.0128"),
		"MISTRAL_7b":    NewRate("0.0012", "0.0016"),
		"GPT_3_5_TURBO": NewRate("0.008", "0.012"),
	}
}
