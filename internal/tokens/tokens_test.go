package tokens

import (
	"testing"

	"github.com/tiktoken-go/tokenizer"
)

func TestCountText(t *testing.T) {
	c := NewCounter()
	n, err := c.CountText("gpt-4", "Hello world")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 tokens for %q, got %d", "Hello world", n)
	}

	if n, _ := c.CountText("gpt-4", ""); n != 0 {
		t.Errorf("empty text counted as %d tokens", n)
	}
}

func TestCountChat_AddsFraming(t *testing.T) {
	c := NewCounter()
	text, _ := c.CountText("gpt-3.5-turbo", "Hello world")
	chat, err := c.CountChat("gpt-3.5-turbo", []ChatMessage{{Role: "user", Text: "Hello world"}})
	if err != nil {
		t.Fatal(err)
	}
	want := text + tokensPerMessage + tokensPerRole + replyPriming
	if chat != want {
		t.Errorf("CountChat = %d, want %d", chat, want)
	}
}

func TestEncodingFor(t *testing.T) {
	cases := map[string]tokenizer.Encoding{
		"gpt-4":         tokenizer.Cl100kBase,
		"gpt-3.5-turbo": tokenizer.Cl100kBase,
		"gpt-4o-mini":   tokenizer.O200kBase,
		"o3-mini":       tokenizer.O200kBase,
		"LLAMA2_7b":     tokenizer.Cl100kBase,
	}
	for model, want := range cases {
		if got := encodingFor(model); got != want {
			t.Errorf("encodingFor(%q) = %s, want %s", model, got, want)
		}
	}
}
