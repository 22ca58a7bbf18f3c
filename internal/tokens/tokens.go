// Package tokens counts chat tokens with tiktoken encodings.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Chat framing overhead, per OpenAI's published accounting for
// gpt-3.5/gpt-4 chat models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// Counter caches one codec per encoding. Safe for concurrent use.
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// ChatMessage is the minimal message view needed for counting.
type ChatMessage struct {
	Role string
	Text string
}

// CountText returns the number of tokens in text under model's encoding.
func (c *Counter) CountText(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("tokens: encode: %w", err)
	}
	return len(ids), nil
}

// CountChat returns the prompt token count of msgs including framing.
func (c *Counter) CountChat(model string, msgs []ChatMessage) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}

	total := replyPriming
	for _, m := range msgs {
		total += tokensPerMessage + tokensPerRole
		if m.Text == "" {
			continue
		}
		ids, _, err := codec.Encode(m.Text)
		if err != nil {
			return 0, fmt.Errorf("tokens: encode: %w", err)
		}
		total += len(ids)
	}
	return total, nil
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	enc := encodingFor(model)

	c.mu.RLock()
	codec, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("tokens: encoding %s: %w", enc, err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model name to its tiktoken encoding. Self-hosted base
// models have no tiktoken encoding of their own; cl100k_base is used as a
// stable estimate for them.
func encodingFor(model string) tokenizer.Encoding {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"),
		strings.HasPrefix(m, "gpt-4.1"),
		strings.HasPrefix(m, "gpt-5"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(m, "text-davinci"):
		return tokenizer.P50kBase
	default:
		return tokenizer.Cl100kBase
	}
}
