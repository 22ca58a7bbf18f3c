package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-ledger/internal/providers"
	"github.com/nulpointcorp/llm-ledger/internal/providers/finetune"
	"github.com/nulpointcorp/llm-ledger/internal/request"
	"github.com/nulpointcorp/llm-ledger/internal/storage"
	"github.com/nulpointcorp/llm-ledger/pkg/apierr"
)

type chatCompletionsBody struct {
	ReqPayload json.RawMessage `json:"reqPayload"`
}

// errCircuitOpen is returned without calling upstream while its breaker is open.
var errCircuitOpen = errors.New("upstream circuit breaker is open")

// handleChatCompletions forwards the payload to the model it names. Fine-tunes
// ("openpipe:<slug>") must belong to the caller's project and have an
// inference endpoint; other model names go to the configured provider that
// serves them. Completions are not recorded in the ledger.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var body chatCompletionsBody
	if e := decodeBody(ctx.PostBody(), &body); e != nil {
		apierr.Write(ctx, e)
		return
	}

	req := request.ParseRequest(body.ReqPayload)
	if !req.OK() {
		apierr.Write(ctx, apierr.New(apierr.CodeBadRequest, apierr.KindInvalidPayload,
			"The request payload must contain a valid model and messages"))
		return
	}

	prov, payload, e := g.route(ctx, projectID(ctx), req.Request)
	if e != nil {
		apierr.Write(ctx, e)
		return
	}

	g.log.InfoContext(ctx, "completion_request",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("project_id", projectID(ctx)),
		slog.String("model", req.Request.Model),
		slog.String("provider", prov.Name()),
	)

	resp, err := g.complete(ctx, prov, payload)
	if err != nil {
		g.log.WarnContext(ctx, "completion_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("provider", prov.Name()),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, apierr.New(apierr.CodeBadRequest, apierr.KindUpstream,
			"Failed to get completion: "+providers.Message(err)))
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetBody(resp)
}

// route picks the upstream for req and the payload to send it.
func (g *Gateway) route(ctx context.Context, tenant string, req *request.ChatRequest) (providers.Provider, json.RawMessage, *apierr.Error) {
	slug, isFineTune := request.FineTuneSlug(req.Model)
	if !isFineTune {
		if name, ok := providers.ModelAliases[req.Model]; ok {
			if prov, ok := g.providers[name]; ok {
				return prov, req.Canonical(), nil
			}
		}
		slug = req.Model
	}

	ft, err := g.store.FineTuneBySlug(ctx, slug)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil, apierr.New(apierr.CodeNotFound, apierr.KindModelNotFound, "The model does not exist")
	case err != nil:
		g.log.ErrorContext(ctx, "fine_tune_lookup_failed",
			slog.String("slug", slug),
			slog.String("error", err.Error()),
		)
		return nil, nil, apierr.New(apierr.CodeInternal, apierr.KindInternal, "internal server error")
	}

	if ft.ProjectID != tenant {
		return nil, nil, apierr.New(apierr.CodeForbidden, apierr.KindModelForbidden, "The model does not belong to this project")
	}
	if ft.InferenceURL == nil || *ft.InferenceURL == "" {
		return nil, nil, apierr.New(apierr.CodeBadRequest, apierr.KindNoInference, "The model is not set up for inference")
	}

	return g.fineTunes.For(*ft.InferenceURL), finetune.Prepare(req, slug, ft.PruningRules), nil
}

// complete calls prov through its circuit breaker.
func (g *Gateway) complete(ctx context.Context, prov providers.Provider, payload json.RawMessage) (json.RawMessage, error) {
	name := prov.Name()
	if !g.cb.Allow(name) {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
		}
		return nil, errCircuitOpen
	}

	start := time.Now()
	resp, err := prov.Complete(ctx, payload)
	dur := time.Since(start)

	g.cb.Record(name, err)

	outcome := "success"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) || providers.IsTimeout(err) {
			outcome = "timeout"
		}
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstream(name, outcome, dur)
	}
	return resp, err
}
