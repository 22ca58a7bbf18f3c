package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-ledger/internal/auth"
	"github.com/nulpointcorp/llm-ledger/internal/ledger"
	"github.com/nulpointcorp/llm-ledger/internal/metrics"
	"github.com/nulpointcorp/llm-ledger/internal/providers"
	"github.com/nulpointcorp/llm-ledger/internal/storage"
	"github.com/nulpointcorp/llm-ledger/internal/storage/sqldb"
	"github.com/nulpointcorp/llm-ledger/internal/usage"
)

// --- helpers ----------------------------------------------------------------

const (
	keyProj1 = "opk_project_one"
	keyProj2 = "opk_project_two"

	chatReq  = `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	chatResp = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":8,"completion_tokens":1,"total_tokens":9}}`
)

type testEnv struct {
	gw     *Gateway
	store  *sqldb.Store
	client *http.Client
}

// newTestEnv builds a gateway over an in-memory store with two projects and
// serves it on an in-memory listener.
func newTestEnv(t *testing.T, provs map[string]providers.Provider, opts Options) *testEnv {
	t.Helper()
	return newTestEnvOver(t, provs, opts, nil)
}

// newTestEnvOver is newTestEnv with the gateway and ledger reading and
// writing through wrap(store) when wrap is set.
func newTestEnvOver(t *testing.T, provs map[string]providers.Provider, opts Options, wrap func(*sqldb.Store) storage.Store) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqldb.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	for key, project := range map[string]string{keyProj1: "proj-1", keyProj2: "proj-2"} {
		if err := store.CreateAPIKey(ctx, storage.APIKey{KeyHash: auth.HashAPIKey(key), ProjectID: project}); err != nil {
			t.Fatal(err)
		}
	}

	var backend storage.Store = store
	if wrap != nil {
		backend = wrap(store)
	}

	l, err := ledger.New(ledger.Config{
		Store:      backend,
		Accountant: usage.NewAccountant(nil, nil, nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	gw, err := New(ctx, l, backend, provs, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Close)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, gw.Handler()) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return &testEnv{gw: gw, store: store, client: client}
}

// do sends a request authenticated with key and returns status and body.
func (e *testEnv) do(t *testing.T, method, path, key, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://test"+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func reportBodyFor(req, resp string, tags string) string {
	return `{"requestedAt":1700000000000,"receivedAt":1700000000500,"statusCode":200,` +
		`"reqPayload":` + req + `,"respPayload":` + resp + `,"tags":` + tags + `}`
}

func checkCacheBodyFor(req string) string {
	return `{"requestedAt":1700000001000,"reqPayload":` + req + `,"tags":{"source":"test"}}`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var e errorEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error envelope %s: %v", body, err)
	}
	return e
}

// --- New --------------------------------------------------------------------

func TestNew_RequiresContextAndLedger(t *testing.T) {
	store, err := sqldb.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	l, _ := ledger.New(ledger.Config{Store: store, Accountant: usage.NewAccountant(nil, nil, nil)})

	if _, err := New(nil, l, store, nil, Options{}); err == nil {
		t.Error("expected error for nil context")
	}
	if _, err := New(context.Background(), nil, store, nil, Options{}); err == nil {
		t.Error("expected error for nil ledger")
	}
}

// --- report / check-cache ---------------------------------------------------

func TestReportThenCheckCache_Hit(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	status, body := env.do(t, "POST", "/api/v1/report", keyProj1, reportBodyFor(chatReq, chatResp, `{"run":"1"}`))
	if status != http.StatusOK || string(body) != `{"status":"ok"}` {
		t.Fatalf("report: %d %s", status, body)
	}

	// Same request with different key order and whitespace.
	reordered := `{ "messages": [{"content":"hi","role":"user"}], "model": "gpt-4" }`
	status, body = env.do(t, "POST", "/api/v1/check-cache", keyProj1, checkCacheBodyFor(reordered))
	if status != http.StatusOK {
		t.Fatalf("check-cache: %d %s", status, body)
	}
	var got struct {
		RespPayload json.RawMessage `json:"respPayload"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	var want, have map[string]any
	_ = json.Unmarshal([]byte(chatResp), &want)
	if err := json.Unmarshal(got.RespPayload, &have); err != nil {
		t.Fatalf("respPayload %s: %v", got.RespPayload, err)
	}
	if have["id"] != want["id"] {
		t.Errorf("respPayload id = %v, want %v", have["id"], want["id"])
	}
}

func TestCheckCache_Miss(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	status, body := env.do(t, "POST", "/api/v1/check-cache", keyProj1, checkCacheBodyFor(chatReq))
	if status != http.StatusOK || string(body) != `{"respPayload":null}` {
		t.Errorf("got %d %s", status, body)
	}
}

func TestCheckCache_InvalidPayloadIsMiss(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	status, body := env.do(t, "POST", "/api/v1/check-cache", keyProj1, checkCacheBodyFor(`{"model":4}`))
	if status != http.StatusOK || string(body) != `{"respPayload":null}` {
		t.Errorf("got %d %s", status, body)
	}
}

func TestCheckCache_IsolatedPerProject(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	if status, body := env.do(t, "POST", "/api/v1/report", keyProj1, reportBodyFor(chatReq, chatResp, `{}`)); status != http.StatusOK {
		t.Fatalf("report: %d %s", status, body)
	}
	status, body := env.do(t, "POST", "/api/v1/check-cache", keyProj2, checkCacheBodyFor(chatReq))
	if status != http.StatusOK || string(body) != `{"respPayload":null}` {
		t.Errorf("another project must not see the cached response: %d %s", status, body)
	}
}

func TestCheckCache_ErrorResponseNotCached(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	errResp := `{"error":{"message":"rate limited"}}`
	if status, body := env.do(t, "POST", "/api/v1/report", keyProj1, reportBodyFor(chatReq, errResp, `{}`)); status != http.StatusOK {
		t.Fatalf("report: %d %s", status, body)
	}
	_, body := env.do(t, "POST", "/api/v1/check-cache", keyProj1, checkCacheBodyFor(chatReq))
	if string(body) != `{"respPayload":null}` {
		t.Errorf("invalid responses must not be served from cache: %s", body)
	}
}

func TestCheckCache_MissingRequestedAt(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	status, body := env.do(t, "POST", "/api/v1/check-cache", keyProj1, `{"reqPayload":`+chatReq+`}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if e := decodeError(t, body); e.Error.Code != "BAD_REQUEST" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

// tagFailingStore fails CreateTags once failTags is set.
type tagFailingStore struct {
	*sqldb.Store
	failTags atomic.Bool
}

func (s *tagFailingStore) CreateTags(ctx context.Context, tags []storage.Tag) error {
	if s.failTags.Load() {
		return errors.New("tags table locked")
	}
	return s.Store.CreateTags(ctx, tags)
}

func TestTagWriteFailure(t *testing.T) {
	var failing *tagFailingStore
	env := newTestEnvOver(t, nil, Options{}, func(db *sqldb.Store) storage.Store {
		failing = &tagFailingStore{Store: db}
		return failing
	})

	if status, body := env.do(t, "POST", "/api/v1/report", keyProj1, reportBodyFor(chatReq, chatResp, `{}`)); status != http.StatusOK {
		t.Fatalf("report: %d %s", status, body)
	}
	failing.failTags.Store(true)

	t.Run("check-cache keeps the payload", func(t *testing.T) {
		status, body := env.do(t, "POST", "/api/v1/check-cache", keyProj1, checkCacheBodyFor(chatReq))
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200 (%s)", status, body)
		}
		var got struct {
			RespPayload json.RawMessage `json:"respPayload"`
			Error       struct {
				Kind string `json:"kind"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(got.RespPayload), `"chatcmpl-1"`) {
			t.Errorf("respPayload = %s", got.RespPayload)
		}
		if got.Error.Kind != "TAG_WRITE_FAILED" {
			t.Errorf("error kind = %q", got.Error.Kind)
		}
	})

	t.Run("report answers status error", func(t *testing.T) {
		status, body := env.do(t, "POST", "/api/v1/report", keyProj1, reportBodyFor(chatReq, chatResp, `{"run":"2"}`))
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200 (%s)", status, body)
		}
		var got struct {
			Status string `json:"status"`
			Error  struct {
				Kind string `json:"kind"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatal(err)
		}
		if got.Status != "error" || got.Error.Kind != "TAG_WRITE_FAILED" {
			t.Errorf("body = %s", body)
		}
	})

	// The hit (the latest requestedAt) was committed without its tags.
	detail, err := env.store.LatestCall(context.Background(), "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !detail.Call.CacheHit || len(detail.Tags) != 0 {
		t.Errorf("latest call = %+v, tags = %v", detail.Call, detail.Tags)
	}
}

func TestTimestampsOutOfRange(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	cases := map[string]struct{ path, body string }{
		"check-cache requestedAt": {"/api/v1/check-cache", `{"requestedAt":1e300,"reqPayload":` + chatReq + `}`},
		"report requestedAt":      {"/api/v1/report", `{"requestedAt":-1e20,"receivedAt":1700000000000,"reqPayload":{}}`},
		"report receivedAt":       {"/api/v1/report", `{"requestedAt":1700000000000,"receivedAt":9.3e15,"reqPayload":{}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			status, body := env.do(t, "POST", tc.path, keyProj1, tc.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", status, body)
			}
			if e := decodeError(t, body); !strings.HasSuffix(e.Error.Message, "timestamp out of range") {
				t.Errorf("message = %q", e.Error.Message)
			}
		})
	}
	if _, err := env.store.LatestCall(context.Background(), "proj-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("rejected calls were recorded: %v", err)
	}
}

func TestReport_Validation(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	cases := map[string]string{
		"empty body":          ``,
		"malformed":           `{"requestedAt":`,
		"missing receivedAt":  `{"requestedAt":1700000000000,"reqPayload":{}}`,
		"missing requestedAt": `{"receivedAt":1700000000000,"reqPayload":{}}`,
		"non-string tag":      `{"requestedAt":1,"receivedAt":2,"tags":{"a":1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			status, _ := env.do(t, "POST", "/api/v1/report", keyProj1, body)
			if status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", status)
			}
		})
	}
}

func TestReport_InvalidRequestStillRecorded(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	status, body := env.do(t, "POST", "/api/v1/report", keyProj1,
		`{"requestedAt":1700000000000,"receivedAt":1700000000100,"reqPayload":{"foo":"bar"},"errorMessage":"bad"}`)
	if status != http.StatusOK {
		t.Fatalf("report: %d %s", status, body)
	}

	detail, err := env.store.LatestCall(context.Background(), "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if detail.Response == nil || detail.Response.CacheKey != nil {
		t.Errorf("expected a recorded response without a cache key, got %+v", detail.Response)
	}
	if detail.Call.Model != nil {
		t.Errorf("invalid request must not record a model, got %q", *detail.Call.Model)
	}
}

func TestAPI_RequiresKey(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	for _, path := range []string{"/api/v1/check-cache", "/api/v1/report", "/api/v1/chat/completions"} {
		status, body := env.do(t, "POST", path, "", `{}`)
		if status != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, status)
		}
		if e := decodeError(t, body); e.Error.Code != "UNAUTHORIZED" {
			t.Errorf("%s: code = %q", path, e.Error.Code)
		}
	}
	if status, _ := env.do(t, "POST", "/api/v1/report", "opk_unknown", `{}`); status != http.StatusUnauthorized {
		t.Errorf("unknown key: status = %d, want 401", status)
	}
}

// --- latest call ------------------------------------------------------------

func TestLatestCall(t *testing.T) {
	env := newTestEnv(t, nil, Options{Environment: "development"})

	status, body := env.do(t, "GET", "/api/v1/local-testing-only-get-latest-logged-call", keyProj1, "")
	if status != http.StatusOK || string(body) != "null" {
		t.Fatalf("no calls: got %d %s", status, body)
	}

	env.do(t, "POST", "/api/v1/report", keyProj1, reportBodyFor(chatReq, chatResp, `{"run":"1"}`))
	env.do(t, "POST", "/api/v1/check-cache", keyProj1, checkCacheBodyFor(chatReq))

	status, body = env.do(t, "GET", "/api/v1/local-testing-only-get-latest-logged-call", keyProj1, "")
	if status != http.StatusOK {
		t.Fatalf("latest call: %d %s", status, body)
	}
	var got latestCallResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !got.CacheHit {
		t.Error("latest call should be the cache hit")
	}
	if got.Tags["source"] != "test" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.ModelResponse == nil || got.ModelResponse.StatusCode == nil || *got.ModelResponse.StatusCode != 200 {
		t.Errorf("modelResponse = %+v", got.ModelResponse)
	}

	// Calls of other projects stay invisible.
	_, body = env.do(t, "GET", "/api/v1/local-testing-only-get-latest-logged-call", keyProj2, "")
	if string(body) != "null" {
		t.Errorf("proj-2 saw %s", body)
	}
}

func TestLatestCall_ForbiddenInProduction(t *testing.T) {
	env := newTestEnv(t, nil, Options{Environment: EnvProduction})

	status, body := env.do(t, "GET", "/api/v1/local-testing-only-get-latest-logged-call", keyProj1, "")
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	if e := decodeError(t, body); e.Error.Message != "This operation is not allowed in production environment" {
		t.Errorf("message = %q", e.Error.Message)
	}
}

// --- chat completions -------------------------------------------------------

func completionsBody(payload string) string {
	return `{"reqPayload":` + payload + `}`
}

func TestChatCompletions_InvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	status, body := env.do(t, "POST", "/api/v1/chat/completions", keyProj1, completionsBody(`{"model":"openpipe:x"}`))
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if e := decodeError(t, body); e.Error.Message != "The request payload must contain a valid model and messages" {
		t.Errorf("message = %q", e.Error.Message)
	}
}

func TestChatCompletions_FineTuneErrors(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	url := "http://127.0.0.1:1/v1"
	for _, ft := range []storage.FineTune{
		{ID: "ft-1", ProjectID: "proj-2", Slug: "foreign", BaseModel: "llama-3-8b", InferenceURL: &url},
		{ID: "ft-2", ProjectID: "proj-1", Slug: "offline", BaseModel: "llama-3-8b"},
	} {
		if err := env.store.CreateFineTune(ctx, ft); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		model   string
		status  int
		message string
	}{
		{"openpipe:missing", http.StatusNotFound, "The model does not exist"},
		{"not-a-known-model", http.StatusNotFound, "The model does not exist"},
		{"openpipe:foreign", http.StatusForbidden, "The model does not belong to this project"},
		{"openpipe:offline", http.StatusBadRequest, "The model is not set up for inference"},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			payload := `{"model":"` + tc.model + `","messages":[{"role":"user","content":"hi"}]}`
			status, body := env.do(t, "POST", "/api/v1/chat/completions", keyProj1, completionsBody(payload))
			if status != tc.status {
				t.Errorf("status = %d, want %d (%s)", status, tc.status, body)
			}
			if e := decodeError(t, body); e.Error.Message != tc.message {
				t.Errorf("message = %q, want %q", e.Error.Message, tc.message)
			}
		})
	}

	if _, err := env.store.LatestCall(ctx, "proj-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("rejected completions left ledger rows: %v", err)
	}
}

func TestChatCompletions_FineTuneForwarding(t *testing.T) {
	var sent map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &sent)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, strings.Replace(chatResp, `"gpt-4"`, `"my-ft"`, 1))
	}))
	defer upstream.Close()

	env := newTestEnv(t, nil, Options{})
	url := upstream.URL + "/v1"
	if err := env.store.CreateFineTune(context.Background(), storage.FineTune{
		ID: "ft-1", ProjectID: "proj-1", Slug: "my-ft", BaseModel: "llama-3-8b",
		InferenceURL: &url, PruningRules: []string{"You are a bot. "},
	}); err != nil {
		t.Fatal(err)
	}

	payload := `{"model":"openpipe:my-ft","messages":[{"role":"system","content":"You are a bot. Reply."},{"role":"user","content":"hi"}]}`
	status, body := env.do(t, "POST", "/api/v1/chat/completions", keyProj1, completionsBody(payload))
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	if !strings.Contains(string(body), `"chatcmpl-1"`) {
		t.Errorf("unexpected body %s", body)
	}
	if sent["model"] != "my-ft" {
		t.Errorf("upstream model = %v, want my-ft", sent["model"])
	}
	msgs, _ := sent["messages"].([]any)
	if len(msgs) == 0 {
		t.Fatalf("no messages forwarded: %v", sent)
	}
	if first, _ := msgs[0].(map[string]any); first["content"] != "Reply." {
		t.Errorf("pruning rule not applied: %v", first["content"])
	}
}

func TestChatCompletions_ThirdPartyProvider(t *testing.T) {
	prov := &stubProvider{name: "openai", resp: json.RawMessage(chatResp)}
	reg := metrics.New()
	env := newTestEnv(t, map[string]providers.Provider{"openai": prov}, Options{Metrics: reg})

	status, body := env.do(t, "POST", "/api/v1/chat/completions", keyProj1, completionsBody(chatReq))
	if status != http.StatusOK || string(body) != chatResp {
		t.Fatalf("got %d %s", status, body)
	}
	if prov.calls != 1 {
		t.Errorf("provider calls = %d, want 1", prov.calls)
	}
	if !strings.Contains(string(prov.body), `"model":"gpt-4"`) {
		t.Errorf("forwarded body = %s", prov.body)
	}

	// Completions are not recorded.
	if _, err := env.store.LatestCall(context.Background(), "proj-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no recorded call, got %v", err)
	}
}

func TestChatCompletions_UpstreamError(t *testing.T) {
	prov := &stubProvider{name: "openai", err: &providers.Error{Provider: "openai", StatusCode: 429, Message: "quota exceeded"}}
	env := newTestEnv(t, map[string]providers.Provider{"openai": prov}, Options{})

	status, body := env.do(t, "POST", "/api/v1/chat/completions", keyProj1, completionsBody(chatReq))
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if e := decodeError(t, body); e.Error.Message != "Failed to get completion: quota exceeded" {
		t.Errorf("message = %q", e.Error.Message)
	}
}

func TestChatCompletions_CircuitOpen(t *testing.T) {
	prov := &stubProvider{name: "openai", err: errors.New("boom")}
	env := newTestEnv(t, map[string]providers.Provider{"openai": prov}, Options{
		CBConfig: CBConfig{ErrorThreshold: 2},
	})

	for i := 0; i < 3; i++ {
		env.do(t, "POST", "/api/v1/chat/completions", keyProj1, completionsBody(chatReq))
	}
	if prov.calls != 2 {
		t.Errorf("provider calls = %d, want 2 before the breaker opened", prov.calls)
	}
	if env.gw.cb.State("openai") != cbOpen {
		t.Errorf("breaker state = %s, want open", env.gw.cb.StateLabel("openai"))
	}
}
