// Package auth resolves project API keys to the project they belong to.
//
// Keys are never stored; the api_keys table holds their SHA-256 hex digest.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-ledger/internal/storage"
)

// KeyPrefix starts every generated project key.
const KeyPrefix = "opk_"

var (
	ErrMissingKey = errors.New("auth: missing API key")
	ErrInvalidKey = errors.New("auth: invalid API key")
)

// Resolver maps a key hash to its project.
type Resolver interface {
	ProjectForKeyHash(ctx context.Context, keyHash string) (string, error)
}

// Authenticator validates keys against a Resolver.
type Authenticator struct {
	resolver Resolver
}

func NewAuthenticator(r Resolver) *Authenticator {
	return &Authenticator{resolver: r}
}

// Authenticate returns the project of the bearer key in header.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (string, error) {
	key, err := ExtractBearer(header)
	if err != nil {
		return "", err
	}
	project, err := a.resolver.ProjectForKeyHash(ctx, HashAPIKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("auth: resolve key: %w", err)
	}
	return project, nil
}

// ExtractBearer returns the key of an "Authorization: Bearer <key>" value.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingKey
	}
	scheme, key, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidKey)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrMissingKey
	}
	return key, nil
}

// HashAPIKey returns the SHA-256 hex digest stored for apiKey.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// GenerateKey returns a new random project key.
func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}
