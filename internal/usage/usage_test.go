package usage

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-ledger/internal/request"
)

func parse(t *testing.T, req, resp string) (request.RequestResult, request.ResponseResult) {
	t.Helper()
	return request.ParseRequest([]byte(req)), request.ParseResponse([]byte(resp))
}

func TestCompute_InvalidRequestYieldsNil(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t, `{"model":1}`, `{"id":"x","model":"m","choices":[]}`)
	if u := a.Compute(req, resp, ModelMeta{}); u != nil {
		t.Fatalf("expected nil usage, got %+v", u)
	}
}

func TestCompute_ThirdPartyUsesDeclaredUsage(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t,
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`,
		`{"id":"c","model":"gpt-4","choices":[{"finish_reason":"stop"}],"usage":{"prompt_tokens":100,"completion_tokens":50}}`)

	u := a.Compute(req, resp, ModelMeta{Kind: ThirdParty})
	if u == nil {
		t.Fatal("expected usage")
	}
	if u.InputTokens != 100 || u.OutputTokens == nil || *u.OutputTokens != 50 {
		t.Fatalf("unexpected tokens %+v", u)
	}
	// 100 * 0.00003 + 50 * 0.00006 = 0.006
	if u.Cost == nil || !u.Cost.Equal(decimal.RequireFromString("0.006")) {
		t.Errorf("cost = %v, want 0.006", u.Cost)
	}
}

func TestCompute_ThirdPartyEstimatesWithoutDeclaredUsage(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t,
		`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"Hello world"}]}`,
		`{"id":"c","model":"gpt-3.5-turbo","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"Hello world"}}]}`)

	u := a.Compute(req, resp, ModelMeta{Kind: ThirdParty})
	if u == nil {
		t.Fatal("expected usage")
	}
	if u.InputTokens != 2+3+1+3 {
		t.Errorf("input tokens = %d, want 9", u.InputTokens)
	}
	if u.OutputTokens == nil || *u.OutputTokens != 2 {
		t.Errorf("output tokens = %v, want 2", u.OutputTokens)
	}
}

func TestCompute_InvalidResponseCountsInputOnly(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t,
		`{"model":"gpt-4","messages":[{"role":"user","content":"Hello world"}]}`,
		`{"error":{"message":"boom"}}`)

	u := a.Compute(req, resp, ModelMeta{Kind: ThirdParty})
	if u == nil {
		t.Fatal("expected partial usage")
	}
	if u.InputTokens == 0 {
		t.Error("expected input tokens")
	}
	if u.OutputTokens != nil {
		t.Errorf("output must be absent, got %d", *u.OutputTokens)
	}
	want := decimal.RequireFromString("0.00003").Mul(decimal.NewFromInt(int64(u.InputTokens)))
	if u.Cost == nil || !u.Cost.Equal(want) {
		t.Errorf("cost = %v, want %v", u.Cost, want)
	}
}

func TestCompute_UnknownModelHasNoCost(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t,
		`{"model":"some-new-model","messages":[]}`,
		`{"id":"c","model":"x","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	u := a.Compute(req, resp, ModelMeta{})
	if u == nil || u.Cost != nil {
		t.Fatalf("expected tokens without cost, got %+v", u)
	}
}

func TestCompute_PruningReducesInputTokens(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t,
		`{"model":"openpipe:my-model","messages":[{"role":"user","content":"Hello REDACTED world"}]}`,
		`{"id":"c","model":"openpipe:my-model","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`)

	pruned := a.Compute(req, resp, ModelMeta{Kind: SelfHosted, BaseModel: "LLAMA2_7b", PruningRules: []string{"REDACTED"}})
	raw := a.Compute(req, resp, ModelMeta{Kind: SelfHosted, BaseModel: "LLAMA2_7b"})
	if pruned == nil || raw == nil {
		t.Fatal("expected usage for both")
	}
	if pruned.InputTokens >= raw.InputTokens {
		t.Errorf("pruned input %d should be below raw input %d", pruned.InputTokens, raw.InputTokens)
	}
	if pruned.Cost == nil || raw.Cost == nil || !pruned.Cost.LessThan(*raw.Cost) {
		t.Errorf("pruned cost %v should be below raw cost %v", pruned.Cost, raw.Cost)
	}
}

func TestCompute_SelfHostedIgnoresDeclaredUsage(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t,
		`{"model":"openpipe:m","messages":[{"role":"user","content":"Hello world"}]}`,
		`{"id":"c","model":"m","choices":[{"finish_reason":"stop","message":{"content":"Hello world"}}],"usage":{"prompt_tokens":999,"completion_tokens":999}}`)
	u := a.Compute(req, resp, ModelMeta{Kind: SelfHosted, BaseModel: "LLAMA2_13b"})
	if u == nil || u.InputTokens == 999 {
		t.Fatalf("self-hosted usage must be counted locally, got %+v", u)
	}
}

func TestCompute_SelfHostedWithoutBaseModel(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	req, resp := parse(t, `{"model":"openpipe:missing","messages":[]}`, `{}`)
	if u := a.Compute(req, resp, ModelMeta{Kind: SelfHosted}); u != nil {
		t.Errorf("expected nil usage for unknown base model, got %+v", u)
	}
}

func TestPricing_LookupIsExact(t *testing.T) {
	p := Pricing{"gpt-4": NewRate("0.03", "0.06")}
	if _, ok := p.Lookup("gpt-4"); !ok {
		t.Error("exact name not found")
	}
	if _, ok := p.Lookup("GPT-4"); ok {
		t.Error("lookup matched a name in another case")
	}
}

func TestPricing_Merge(t *testing.T) {
	p := DefaultSelfHostedPricing()
	base, ok := p.Lookup("LLAMA2_7b")
	if !ok {
		t.Fatal("LLAMA2_7b missing from defaults")
	}

	// Configuration keys come lowercased; they still replace the default.
	merged := p.Merge(Pricing{"llama2_7b": NewRate("1", "1")})
	r, ok := merged.Lookup("LLAMA2_7b")
	if !ok || !r.Prompt.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("override not applied: %v %v", r.Prompt, ok)
	}
	if _, ok := merged.Lookup("llama2_7b"); ok {
		t.Error("override added a second entry instead of replacing")
	}
	if orig, _ := p.Lookup("LLAMA2_7b"); !orig.Prompt.Equal(base.Prompt) {
		t.Error("Merge modified the receiver")
	}
}

func TestPricing_MergeIsDeterministic(t *testing.T) {
	defaults := Pricing{"gpt-4": NewRate("0.03", "0.06")}
	over := Pricing{
		"GPT-4": NewRate("1", "1"),
		"gpt-4": NewRate("2", "2"),
	}
	for i := 0; i < 20; i++ {
		r, _ := defaults.Merge(over).Lookup("gpt-4")
		if !r.Prompt.Equal(decimal.RequireFromString("0.002")) {
			t.Fatalf("run %d: prompt = %v, want 0.002", i, r.Prompt)
		}
	}
}
