// Package storage defines the durable entities of the call ledger and the
// store contract the ledger, cache and auth layers are written against.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("storage: not found")

type (
	// LoggedCall is one inbound gateway call, hit or miss.
	LoggedCall struct {
		ID              string
		ProjectID       string
		RequestedAt     time.Time
		CacheHit        bool
		Model           *string
		ModelResponseID *string
		CreatedAt       time.Time
	}

	// ModelResponse is the result of one model invocation. Immutable once
	// written.
	ModelResponse struct {
		ID                   string
		OriginalLoggedCallID string
		RequestedAt          time.Time
		ReceivedAt           time.Time
		DurationMs           int64
		ReqPayload           json.RawMessage
		RespPayload          json.RawMessage
		StatusCode           *int
		ErrorMessage         *string
		InputTokens          *int
		OutputTokens         *int
		Cost                 *decimal.Decimal
		CacheKey             *string
		CreatedAt            time.Time
	}

	// Tag is a free-form annotation on a call. Names are stored sanitized.
	Tag struct {
		ID           string
		ProjectID    string
		LoggedCallID string
		Name         string
		Value        string
	}

	// FineTune is a self-hosted model, owned by one project.
	FineTune struct {
		ID           string
		ProjectID    string
		Slug         string
		BaseModel    string
		InferenceURL *string
		PruningRules []string
	}

	// APIKey binds a hashed project key to its project.
	APIKey struct {
		KeyHash     string
		ProjectID   string
		Description string
		CreatedAt   time.Time
	}

	// CallDetail is a call with its response and tags, for diagnostics.
	CallDetail struct {
		Call     LoggedCall
		Response *ModelResponse
		Tags     []Tag
	}
)

// Store is the durable backing store of the ledger.
type Store interface {
	// RecordMiss writes call and resp in one transaction: the call without a
	// response reference, then the response, then the link. Nothing is
	// visible unless all three statements commit.
	RecordMiss(ctx context.Context, call LoggedCall, resp ModelResponse) error

	// RecordHit writes call, which must reference an existing response.
	RecordHit(ctx context.Context, call LoggedCall) error

	// CreateTags writes tags in one statement batch.
	CreateTags(ctx context.Context, tags []Tag) error

	// FindCachedResponse returns the newest response with cacheKey, or
	// ErrNotFound.
	FindCachedResponse(ctx context.Context, cacheKey string) (*ModelResponse, error)

	// LatestCall returns the newest call of projectID, or ErrNotFound.
	LatestCall(ctx context.Context, projectID string) (*CallDetail, error)

	// FineTuneBySlug returns the fine-tune with slug and its pruning rules,
	// or ErrNotFound.
	FineTuneBySlug(ctx context.Context, slug string) (*FineTune, error)

	// ProjectForKeyHash resolves a hashed API key, or ErrNotFound.
	ProjectForKeyHash(ctx context.Context, keyHash string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}
