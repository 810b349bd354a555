// Package idempotency implements the order-placement idempotency guard:
// a (user_id, Idempotency-Key) pair is remembered for a bounded window so a
// retried request returns the original response instead of placing a second
// order (spec.md §4.1, §8 round-trip properties).
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tradeops/order-execution-service/infrastructure/cache"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
)

// Record is what gets stored against a claimed idempotency key: the request
// fingerprint (to detect key reuse with a different body) and the response
// to replay verbatim on a retried request.
type Record struct {
	Fingerprint string          `json:"fingerprint"`
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
}

// ErrKeyReused is returned by Claim when the same (user, key) pair is
// presented with a different request fingerprint — the caller is reusing an
// Idempotency-Key for a different logical request, which is a client error.
var ErrKeyReused = errors.New("idempotency key reused with a different request body")

// Store claims and resolves idempotency keys. It is Redis-backed with an
// in-process fallback (degraded mode) so a Redis outage fails closed on
// writes rather than silently allowing duplicate order placement.
type Store struct {
	redis *redis.Client
	ttl   time.Duration

	fallback   *cache.TTLCache
	fallbackMu sync.Mutex
}

// Fingerprint computes the canonical SHA-256 fingerprint of a request body:
// marshal-to-canonical-JSON (Go's encoding/json already sorts map keys and
// uses a stable field order for structs), then hash. A json.RawMessage is
// decoded first, so that its object keys are sorted too. Two semantically
// identical requests produce the same fingerprint regardless of submission
// order of JSON object keys in the original payload.
func Fingerprint(v interface{}) (string, error) {
	if raw, ok := v.(json.RawMessage); ok {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var decoded interface{}
		if err := dec.Decode(&decoded); err != nil {
			return "", err
		}
		v = decoded
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NewStore constructs a Store. client may be nil, in which case the store
// runs in fallback-only mode (used in tests and in degraded mode).
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		redis:    client,
		ttl:      ttl,
		fallback: cache.NewTTLCache(ttl),
	}
}

func storeKey(userID, key string) string {
	return "idemp:" + userID + ":" + key
}

// Claim attempts to atomically claim (userID, key) for a request with the
// given fingerprint. Three outcomes:
//   - (nil, false, nil): the claim succeeded, the caller should proceed to
//     execute the request and then call Save with the result.
//   - (record, true, nil): the key was already claimed for an identical
//     fingerprint — record.Body/StatusCode (if non-zero) is the prior
//     response to replay verbatim.
//   - (nil, false, ErrKeyReused): the key was already claimed for a
//     DIFFERENT fingerprint — a 409 Conflict to the caller.
func (s *Store) Claim(ctx context.Context, userID, key, fingerprint string) (*Record, bool, error) {
	k := storeKey(userID, key)

	if s.redis != nil {
		placeholder := Record{Fingerprint: fingerprint}
		raw, _ := json.Marshal(placeholder)
		ok, err := cache.SetNX(ctx, s.redis, k, raw, s.ttl)
		if err != nil {
			return nil, false, svcerrors.UpstreamUnavailable("idempotency-store", err)
		}
		if ok {
			return nil, false, nil
		}
		existingRaw, err := s.redis.Get(ctx, k).Bytes()
		if err != nil {
			return nil, false, svcerrors.UpstreamUnavailable("idempotency-store", err)
		}
		var existing Record
		if err := json.Unmarshal(existingRaw, &existing); err != nil {
			return nil, false, svcerrors.Internal("corrupt idempotency record", err)
		}
		if existing.Fingerprint != fingerprint {
			return nil, false, ErrKeyReused
		}
		return &existing, true, nil
	}

	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	if v, ok := s.fallback.Get(ctx, k); ok {
		existing := v.(Record)
		if existing.Fingerprint != fingerprint {
			return nil, false, ErrKeyReused
		}
		return &existing, true, nil
	}
	s.fallback.Set(ctx, k, Record{Fingerprint: fingerprint})
	return nil, false, nil
}

// Save records the response produced for a claimed key, so a retried
// request can replay it instead of re-executing side effects.
func (s *Store) Save(ctx context.Context, userID, key string, rec Record) error {
	k := storeKey(userID, key)
	if s.redis != nil {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return s.redis.Set(ctx, k, raw, s.ttl).Err()
	}
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	s.fallback.Set(ctx, k, rec)
	return nil
}
