// Package cache serves exact-match response lookups from the call ledger.
//
// There is no separate cache storage: a response becomes servable the moment
// it is persisted with a cache key, and every lookup is a fresh read of the
// durable store so that all gateway instances agree on hits.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-ledger/internal/storage"
)

const defaultLookupTimeout = 2 * time.Second

// Store looks up the response most recently stored under a fingerprint.
type Store interface {
	// Lookup returns nil, nil on a miss.
	Lookup(ctx context.Context, key string) (*storage.ModelResponse, error)
}

// LedgerStore is a Store reading straight from the ledger tables.
type LedgerStore struct {
	store        storage.Store
	queryTimeout time.Duration
}

// NewLedgerStore wraps store. A zero timeout selects the default.
func NewLedgerStore(store storage.Store, timeout time.Duration) *LedgerStore {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &LedgerStore{store: store, queryTimeout: timeout}
}

// Lookup returns the newest response persisted under key.
func (c *LedgerStore) Lookup(ctx context.Context, key string) (*storage.ModelResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	resp, err := c.store.FindCachedResponse(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: lookup: %w", err)
	}
	return resp, nil
}
