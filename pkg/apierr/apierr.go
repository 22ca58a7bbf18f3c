// Package apierr provides the structured error type of the gateway API and
// its HTTP status mapping.
package apierr

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTooManyRequests Code = "TOO_MANY_REQUESTS"
	CodeInternal        Code = "INTERNAL_SERVER_ERROR"
)

// Kind refines a Code for clients that branch on the failure cause.
const (
	KindInvalidPayload = "invalid_payload"
	KindModelNotFound  = "model_not_found"
	KindModelForbidden = "model_forbidden"
	KindNoInference    = "inference_not_configured"
	KindUpstream       = "upstream_error"
	KindInvalidAPIKey  = "invalid_api_key"
	KindRateLimited    = "rate_limit_exceeded"
	KindLedgerWrite    = "LEDGER_WRITE_FAILED"
	KindTagWrite       = "TAG_WRITE_FAILED"
	KindProduction     = "disabled_in_production"
	KindInternal       = "internal_error"
)

// Error is a failure surfaced to API clients.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// New returns an *Error.
func New(code Code, kind, message string) *Error {
	return &Error{Code: code, Message: message, Kind: kind}
}

// HTTPStatus maps code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return fasthttp.StatusBadRequest
	case CodeUnauthorized:
		return fasthttp.StatusUnauthorized
	case CodeForbidden:
		return fasthttp.StatusForbidden
	case CodeNotFound:
		return fasthttp.StatusNotFound
	case CodeTooManyRequests:
		return fasthttp.StatusTooManyRequests
	default:
		return fasthttp.StatusInternalServerError
	}
}

type envelope struct {
	Error *Error `json:"error"`
}

// Write writes e as {"error":{...}} with the mapped HTTP status.
func Write(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(HTTPStatus(e.Code))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteErr writes err, treating anything that is not an *Error as an
// internal failure.
func WriteErr(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if errors.As(err, &e) {
		Write(ctx, e)
		return
	}
	Write(ctx, New(CodeInternal, KindInternal, "internal server error"))
}

// WriteRateLimit writes a 429. Retry-After is retryAfter rounded up to whole
// seconds, and at least one.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(max(secs, 1)))
	Write(ctx, New(CodeTooManyRequests, KindRateLimited, "rate limit exceeded"))
}
