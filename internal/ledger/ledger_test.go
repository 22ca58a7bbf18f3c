package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-ledger/internal/cache"
	"github.com/nulpointcorp/llm-ledger/internal/storage"
	"github.com/nulpointcorp/llm-ledger/internal/storage/sqldb"
	"github.com/nulpointcorp/llm-ledger/internal/usage"
)

const (
	chatReq  = `{"model":"gpt-4","messages":[{"role":"user","content":"Hello"}],"temperature":0}`
	chatResp = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hi there"}}],"usage":{"prompt_tokens":9,"completion_tokens":2}}`
)

var t0 = time.UnixMilli(1_700_000_000_000)

type faultyStore struct {
	*sqldb.Store
	missErr error
	tagErr  error
}

func (f *faultyStore) RecordMiss(ctx context.Context, call storage.LoggedCall, resp storage.ModelResponse) error {
	if f.missErr != nil {
		return f.missErr
	}
	return f.Store.RecordMiss(ctx, call, resp)
}

func (f *faultyStore) CreateTags(ctx context.Context, tags []storage.Tag) error {
	if f.tagErr != nil {
		return f.tagErr
	}
	return f.Store.CreateTags(ctx, tags)
}

func newTestLedger(t *testing.T, mutate func(*Config)) (*Ledger, *faultyStore) {
	t.Helper()
	db, err := sqldb.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := &faultyStore{Store: db}
	cfg := Config{Store: store, Accountant: usage.NewAccountant(nil, nil, nil)}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return l, store
}

func report(t *testing.T, l *Ledger, tenant, req, resp string, at time.Time) *ReportResult {
	t.Helper()
	in := ReportInput{
		RequestedAt: at,
		ReceivedAt:  at.Add(1500 * time.Millisecond),
		ReqPayload:  json.RawMessage(req),
		StatusCode:  intPtr(200),
	}
	if resp != "" {
		in.RespPayload = json.RawMessage(resp)
	}
	res, err := l.Report(context.Background(), tenant, in)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	return res
}

func intPtr(v int) *int { return &v }

func TestReport_RecordsLinkedCallWithUsage(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	res := report(t, l, "p1", chatReq, chatResp, t0)

	if res.CacheKey == nil || len(*res.CacheKey) != 64 {
		t.Fatalf("expected cache key, got %v", res.CacheKey)
	}

	detail, err := l.LatestCall(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if detail.Call.CacheHit || detail.Call.Model == nil || *detail.Call.Model != "gpt-4" {
		t.Errorf("unexpected call %+v", detail.Call)
	}
	r := detail.Response
	if r == nil || r.ID != res.ResponseID || r.OriginalLoggedCallID != res.CallID {
		t.Fatalf("call and response not linked: %+v", r)
	}
	if r.DurationMs != 1500 {
		t.Errorf("duration = %d, want 1500", r.DurationMs)
	}
	if *r.InputTokens != 9 || *r.OutputTokens != 2 {
		t.Errorf("tokens = %d/%d, want 9/2", *r.InputTokens, *r.OutputTokens)
	}
	if want := decimal.RequireFromString("0.00039"); !r.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", r.Cost, want)
	}
}

func TestReport_InvalidResponseIsNotCacheable(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	res := report(t, l, "p1", chatReq, `{"error":{"message":"overloaded"}}`, t0)

	if res.CacheKey != nil {
		t.Error("invalid response must not get a cache key")
	}
	if res.Usage == nil || res.Usage.OutputTokens != nil {
		t.Errorf("expected input-only usage, got %+v", res.Usage)
	}

	hit, err := l.CheckCache(context.Background(), "p1", CheckCacheInput{RequestedAt: t0.Add(time.Minute), ReqPayload: json.RawMessage(chatReq)})
	if err != nil || hit.Hit {
		t.Fatalf("expected miss, got (%+v, %v)", hit, err)
	}
}

func TestReport_InvalidRequestStillRecorded(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	res := report(t, l, "p1", `{"prompt":"legacy"}`, chatResp, t0)

	if res.CacheKey != nil || res.Usage != nil {
		t.Errorf("invalid request must have neither cache key nor usage: %+v", res)
	}
	detail, err := l.LatestCall(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if detail.Call.Model != nil {
		t.Errorf("model = %v, want nil", *detail.Call.Model)
	}
	if string(detail.Response.ReqPayload) != `{"prompt":"legacy"}` {
		t.Errorf("request payload not kept verbatim: %s", detail.Response.ReqPayload)
	}
}

func TestCheckCache_HitReferencesExistingResponse(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	reported := report(t, l, "p1", chatReq, chatResp, t0)

	// Same request with different key order and whitespace.
	reordered := `{ "temperature": 0, "messages": [{"content":"Hello","role":"user"}], "model": "gpt-4" }`
	res, err := l.CheckCache(context.Background(), "p1", CheckCacheInput{
		RequestedAt: t0.Add(time.Minute),
		ReqPayload:  json.RawMessage(reordered),
		Tags:        map[string]string{"user id": "42", "prompt.v$1": "x"},
	})
	if err != nil {
		t.Fatalf("CheckCache() error = %v", err)
	}
	if !res.Hit || res.ResponseID != reported.ResponseID {
		t.Fatalf("expected hit on %s, got %+v", reported.ResponseID, res)
	}
	if string(res.RespPayload) != chatResp {
		t.Errorf("payload = %s", res.RespPayload)
	}

	detail, err := l.LatestCall(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if detail.Call.ID != res.CallID || !detail.Call.CacheHit {
		t.Errorf("latest call = %+v", detail.Call)
	}
	if detail.Response.OriginalLoggedCallID != reported.CallID {
		t.Error("hit must point at the response owned by the original call")
	}
	tags := map[string]string{}
	for _, tag := range detail.Tags {
		tags[tag.Name] = tag.Value
	}
	if tags["user_id"] != "42" || tags["prompt.v$1"] != "x" {
		t.Errorf("tags = %v", tags)
	}
}

func TestCheckCache_TenantsDoNotShareEntries(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	report(t, l, "p1", chatReq, chatResp, t0)

	res, err := l.CheckCache(context.Background(), "p2", CheckCacheInput{RequestedAt: t0, ReqPayload: json.RawMessage(chatReq)})
	if err != nil || res.Hit {
		t.Fatalf("expected miss for another tenant, got (%+v, %v)", res, err)
	}
}

func TestCheckCache_NewestResponseWins(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	newer := `{"id":"chatcmpl-2","model":"gpt-4","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"Hey"}}]}`

	report(t, l, "p1", chatReq, newer, t0.Add(time.Hour))
	report(t, l, "p1", chatReq, chatResp, t0)

	res, err := l.CheckCache(context.Background(), "p1", CheckCacheInput{RequestedAt: t0.Add(2 * time.Hour), ReqPayload: json.RawMessage(chatReq)})
	if err != nil || !res.Hit {
		t.Fatalf("expected hit, got (%+v, %v)", res, err)
	}
	if string(res.RespPayload) != newer {
		t.Errorf("got %s, want the most recently requested response", res.RespPayload)
	}
}

func TestCheckCache_InvalidRequestWritesNothing(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	res, err := l.CheckCache(context.Background(), "p1", CheckCacheInput{RequestedAt: t0, ReqPayload: json.RawMessage(`{"model":1}`)})
	if err != nil || res.Hit {
		t.Fatalf("expected miss, got (%+v, %v)", res, err)
	}
	if _, err := l.LatestCall(context.Background(), "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no call recorded, got %v", err)
	}
}

func TestCheckCache_ExcludedModelBypassesLookup(t *testing.T) {
	excl, err := cache.NewExclusionList([]string{"gpt-4"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	l, _ := newTestLedger(t, func(c *Config) { c.Exclusions = excl })

	rep := report(t, l, "p1", chatReq, chatResp, t0)
	if rep.CacheKey == nil {
		t.Error("excluded models are still recorded with a cache key")
	}

	res, err := l.CheckCache(context.Background(), "p1", CheckCacheInput{RequestedAt: t0.Add(time.Minute), ReqPayload: json.RawMessage(chatReq)})
	if err != nil || res.Hit {
		t.Fatalf("expected bypass, got (%+v, %v)", res, err)
	}
}

func TestReport_LedgerFailureLeavesNothing(t *testing.T) {
	l, store := newTestLedger(t, nil)
	store.missErr = errors.New("disk full")

	_, err := l.Report(context.Background(), "p1", ReportInput{
		RequestedAt: t0,
		ReceivedAt:  t0,
		ReqPayload:  json.RawMessage(chatReq),
		RespPayload: json.RawMessage(chatResp),
		Tags:        map[string]string{"a": "b"},
	})
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("err = %v, want ErrLedgerWrite", err)
	}
	if _, err := l.LatestCall(context.Background(), "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected nothing recorded, got %v", err)
	}
}

func TestReport_TagFailureKeepsCall(t *testing.T) {
	l, store := newTestLedger(t, nil)
	store.tagErr = errors.New("constraint violation")

	res, err := l.Report(context.Background(), "p1", ReportInput{
		RequestedAt: t0,
		ReceivedAt:  t0,
		ReqPayload:  json.RawMessage(chatReq),
		RespPayload: json.RawMessage(chatResp),
		Tags:        map[string]string{"a": "b"},
	})
	var tagErr *TagWriteError
	if !errors.As(err, &tagErr) {
		t.Fatalf("err = %v, want *TagWriteError", err)
	}
	if res == nil || tagErr.CallID != res.CallID {
		t.Fatalf("result must identify the committed call: %+v", res)
	}
	if _, err := l.LatestCall(context.Background(), "p1"); err != nil {
		t.Errorf("committed call not visible: %v", err)
	}
}

func TestReport_FineTuneUsage(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	err := store.CreateFineTune(ctx, storage.FineTune{
		ID:           "ft1",
		ProjectID:    "p1",
		Slug:         "support",
		BaseModel:    "LLAMA2_7b",
		PruningRules: []string{"You are a support agent."},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := `{"model":"openpipe:support","messages":[{"role":"system","content":"You are a support agent."},{"role":"user","content":"Reset my password"}]}`
	resp := `{"id":"c1","model":"openpipe:support","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"Done."}}]}`

	own := report(t, l, "p1", req, resp, t0)
	if own.Usage == nil || own.Usage.Cost == nil || own.Usage.OutputTokens == nil {
		t.Fatalf("expected self-hosted usage, got %+v", own.Usage)
	}

	foreign := report(t, l, "p2", req, resp, t0)
	if foreign.Usage != nil {
		t.Errorf("fine-tune of another project must not be billed, got %+v", foreign.Usage)
	}
	if foreign.CacheKey == nil {
		t.Error("call is still cacheable for its own tenant")
	}
}

func TestReport_UnknownFineTuneHasNoUsage(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	req := `{"model":"openpipe:my-model","messages":[{"role":"user","content":"hi"}]}`
	resp := `{"id":"c1","model":"openpipe:my-model","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}]}`
	res := report(t, l, "p1", req, resp, t0)

	if res.Usage != nil {
		t.Errorf("usage = %+v, want none for a fine-tune that does not exist", res.Usage)
	}
	detail, err := l.LatestCall(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if r := detail.Response; r == nil || r.InputTokens != nil || r.Cost != nil {
		t.Errorf("response = %+v, want no token or cost columns", r)
	}
}

func TestSanitizeTagName(t *testing.T) {
	cases := map[string]string{
		"userId":      "userId",
		"prompt.id":   "prompt.id",
		"$cost_v2":    "$cost_v2",
		"user id":     "user_id",
		"user id!":    "user_id_",
		"a-b/c":       "a_b_c",
		"ключ":        "____",
		"":            "",
		"emoji😀here": "emoji__here",
	}
	for in, want := range cases {
		if got := SanitizeTagName(in); got != want {
			t.Errorf("SanitizeTagName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew_RequiresStoreAndAccountant(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without store")
	}
	db, err := sqldb.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := New(Config{Store: db}); err == nil {
		t.Error("expected error without accountant")
	}
}
