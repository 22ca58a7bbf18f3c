package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var replyWords = []string{
	"the", "ledger", "records", "every", "call", "and", "replays", "cached",
	"responses", "for", "identical", "requests", "so", "tests", "stay", "cheap",
	"mock", "model", "output", "is", "deterministic", "enough", "to", "assert",
}

func reply(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = replyWords[rand.IntN(len(replyWords))]
	}
	return strings.Join(words, " ") + "."
}

// prepare applies latency and error injection. It returns false when the
// request has already been answered.
func prepare(w http.ResponseWriter, r *http.Request, cfg Config, fail func(http.ResponseWriter, int, string)) bool {
	if r.Method != http.MethodPost {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if cfg.Latency > 0 {
		select {
		case <-time.After(cfg.Latency):
		case <-r.Context().Done():
			return false
		}
	}
	if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
		fail(w, http.StatusInternalServerError, "mock upstream failure")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// promptWords counts whitespace-separated words in string message contents,
// a stand-in for a tokenizer.
func promptWords(messages []json.RawMessage) int {
	n := 0
	for _, raw := range messages {
		var m struct {
			Content any `json:"content"`
		}
		if json.Unmarshal(raw, &m) != nil {
			continue
		}
		if s, ok := m.Content.(string); ok {
			n += len(strings.Fields(s))
		}
	}
	return n
}

// newOpenAIHandler serves the OpenAI chat API. Fine-tune inference endpoints
// speak the same protocol, so this handler doubles as one.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !prepare(w, r, cfg, writeOpenAIError) {
			return
		}

		var req struct {
			Model    string            `json:"model"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
			writeOpenAIError(w, http.StatusBadRequest, "you must provide a model parameter")
			return
		}

		in := promptWords(req.Messages)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply(cfg.Words)},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     in,
				"completion_tokens": cfg.Words,
				"total_tokens":      in + cfg.Words,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "mock"},
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "mock"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
	})
	return mux
}

func writeOpenAIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": "invalid_request_error", "code": nil},
	})
}

func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if !prepare(w, r, cfg, writeAnthropicError) {
			return
		}

		var req struct {
			Model    string            `json:"model"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
			writeAnthropicError(w, http.StatusBadRequest, "model: field required")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            fmt.Sprintf("msg_mock%x", rand.Int64()),
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]string{{"type": "text", "text": reply(cfg.Words)}},
			"usage": map[string]int{
				"input_tokens":  promptWords(req.Messages),
				"output_tokens": cfg.Words,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{{
				"id":           "claude-3-5-sonnet-20241022",
				"type":         "model",
				"display_name": "Claude 3.5 Sonnet",
				"created_at":   "2024-10-22T00:00:00Z",
			}},
			"has_more": false,
			"first_id": "claude-3-5-sonnet-20241022",
			"last_id":  "claude-3-5-sonnet-20241022",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
	})
	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg string) {
	typ := "invalid_request_error"
	if status >= http.StatusInternalServerError {
		typ = "api_error"
	}
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

// newGeminiHandler serves the generativelanguage v1beta surface used by the
// genai SDK: POST models/{model}:generateContent and GET models.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v1beta/models/")
		model, ok := strings.CutSuffix(name, ":generateContent")
		if !ok {
			writeGeminiError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
			return
		}
		if !prepare(w, r, cfg, writeGeminiError) {
			return
		}

		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeGeminiError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		in := 0
		for _, c := range req.Contents {
			for _, p := range c.Parts {
				in += len(strings.Fields(p.Text))
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": reply(cfg.Words)}},
				},
				"finishReason": "STOP",
				"index":        0,
			}},
			"usageMetadata": map[string]int{
				"promptTokenCount":     in,
				"candidatesTokenCount": cfg.Words,
				"totalTokenCount":      in + cfg.Words,
			},
			"modelVersion": model,
			"responseId":   fmt.Sprintf("mock%x", rand.Int64()),
		})
	})

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
	})
	return mux
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  http.StatusText(status),
		},
	})
}
