// Package idempotency caches serialized responses of successful order creations.
//
// A miss always falls through to normal processing; expiry is cache eviction only.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cimillas/bookingflow/internal/domain"
)

const keyPrefix = "idem:"

// Key derives the cache key for a creation request. It is always scoped to
// the order identity and stage, so a key only ever replays the same call.
// A client-supplied key stands in for the request body hash.
func Key(id domain.OrderIdentity, stage domain.FlowStage, clientKey string, body []byte) string {
	scope := keyPrefix + id.Key() + ":" + string(stage) + ":"
	if clientKey != "" {
		return scope + "key:" + clientKey
	}
	sum := sha256.Sum256(body)
	return scope + hex.EncodeToString(sum[:])
}
