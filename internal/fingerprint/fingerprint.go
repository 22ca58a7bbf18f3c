// Package fingerprint derives cache keys from a tenant scope and a validated
// chat-completion request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/nulpointcorp/llm-ledger/internal/request"
)

// version is mixed into every key so a change of canonical form never
// matches keys written by an older build.
const version = "llm-ledger/fp/v1"

// Key returns the hex SHA-256 cache key for req within tenant.
//
// The tenant is length-prefixed before the canonical request bytes, so no
// (tenant, request) pair can produce the same hash input as another pair.
func Key(tenant string, req *request.ChatRequest) string {
	h := sha256.New()
	h.Write([]byte(version))

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(tenant)))
	h.Write(n[:])
	h.Write([]byte(tenant))
	h.Write(req.Canonical())

	return hex.EncodeToString(h.Sum(nil))
}
