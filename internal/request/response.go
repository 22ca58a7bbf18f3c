package request

import (
	"encoding/json"
	"fmt"
)

type (
	// Choice is the part of a completion choice the gateway reads.
	Choice struct {
		FinishReason string
		Message      Message
	}

	// DeclaredUsage holds the token counts a provider reported in the
	// response "usage" object.
	DeclaredUsage struct {
		PromptTokens     int
		CompletionTokens int
	}

	// ChatResponse is a validated chat-completion response.
	ChatResponse struct {
		ID      string
		Model   string
		Choices []Choice
		// Usage is nil when the response carries no usable "usage" object.
		Usage *DeclaredUsage
	}

	// ResponseResult is the outcome of ParseResponse.
	ResponseResult struct {
		Response *ChatResponse
		Issue    string
	}
)

// OK reports whether the payload validated.
func (r ResponseResult) OK() bool { return r.Response != nil }

// ParseResponse validates raw against
// {id: string, model: string, choices: [{finish_reason: string}]}.
func ParseResponse(raw []byte) ResponseResult {
	obj, issue := decodeObject(raw)
	if issue != "" {
		return ResponseResult{Issue: issue}
	}

	id, ok := obj["id"].(string)
	if !ok {
		return ResponseResult{Issue: fieldIssue("id", "string", obj["id"])}
	}
	model, ok := obj["model"].(string)
	if !ok {
		return ResponseResult{Issue: fieldIssue("model", "string", obj["model"])}
	}
	items, ok := obj["choices"].([]any)
	if !ok {
		return ResponseResult{Issue: fieldIssue("choices", "array", obj["choices"])}
	}

	choices := make([]Choice, len(items))
	for i, item := range items {
		c, ok := item.(map[string]any)
		if !ok {
			return ResponseResult{Issue: fieldIssue(fmt.Sprintf("choices.%d", i), "object", item)}
		}
		reason, ok := c["finish_reason"].(string)
		if !ok {
			return ResponseResult{Issue: fieldIssue(fmt.Sprintf("choices.%d.finish_reason", i), "string", c["finish_reason"])}
		}
		choices[i] = Choice{FinishReason: reason, Message: newMessage(c["message"])}
	}

	return ResponseResult{Response: &ChatResponse{
		ID:      id,
		Model:   model,
		Choices: choices,
		Usage:   declaredUsage(obj["usage"]),
	}}
}

// CompletionText returns the text of the first choice, or "".
func (r *ChatResponse) CompletionText() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Text()
}

func declaredUsage(v any) *DeclaredUsage {
	u, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	prompt, okP := intField(u, "prompt_tokens")
	completion, okC := intField(u, "completion_tokens")
	if !okP || !okC {
		return nil
	}
	return &DeclaredUsage{PromptTokens: prompt, CompletionTokens: completion}
}

func intField(m map[string]any, key string) (int, bool) {
	n, ok := m[key].(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil || i < 0 {
		return 0, false
	}
	return int(i), true
}
