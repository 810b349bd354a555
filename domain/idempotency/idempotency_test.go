package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"symbol": "INFY", "qty": 10}
	b := map[string]interface{}{"qty": 10, "symbol": "INFY"}

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("fingerprint a: %v", err)
	}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("fingerprint b: %v", err)
	}
	if fa != fb {
		t.Fatalf("expected identical fingerprints, got %q vs %q", fa, fb)
	}
}

func TestFingerprint_DiffersOnPayload(t *testing.T) {
	fa, _ := Fingerprint(map[string]interface{}{"qty": 10})
	fb, _ := Fingerprint(map[string]interface{}{"qty": 11})
	if fa == fb {
		t.Fatal("expected different payloads to fingerprint differently")
	}
}

func TestClaim_FirstClaimSucceeds(t *testing.T) {
	s := NewStore(nil, time.Minute)
	rec, replay, err := s.Claim(context.Background(), "user-1", "key-1", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replay {
		t.Fatal("expected no replay on first claim")
	}
	if rec != nil {
		t.Fatal("expected nil record on first claim")
	}
}

func TestClaim_SameFingerprintReplays(t *testing.T) {
	s := NewStore(nil, time.Minute)
	ctx := context.Background()
	_, _, _ = s.Claim(ctx, "user-1", "key-1", "fp-1")
	if err := s.Save(ctx, "user-1", "key-1", Record{Fingerprint: "fp-1", StatusCode: 201, Body: []byte(`{"order_id":1}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, replay, err := s.Claim(ctx, "user-1", "key-1", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !replay {
		t.Fatal("expected replay on repeated claim with identical fingerprint")
	}
	if rec.StatusCode != 201 {
		t.Fatalf("expected replayed status 201, got %d", rec.StatusCode)
	}
}

func TestClaim_DifferentFingerprintConflicts(t *testing.T) {
	s := NewStore(nil, time.Minute)
	ctx := context.Background()
	_, _, _ = s.Claim(ctx, "user-1", "key-1", "fp-1")

	_, _, err := s.Claim(ctx, "user-1", "key-1", "fp-2")
	if err != ErrKeyReused {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}
}
