package middleware

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

func TestNewRateLimiter(t *testing.T) {
	logger := logging.New("test", "info", "json")
	rl := NewRateLimiter(10, 20, logger)

	if rl == nil {
		t.Fatal("NewRateLimiter() returned nil")
	}

	if rl.rate != rate.Limit(10) {
		t.Errorf("rate = %v, want %v", rl.rate, rate.Limit(10))
	}

	if rl.burst != 20 {
		t.Errorf("burst = %d, want 20", rl.burst)
	}

	if rl.logger != logger {
		t.Error("logger not set correctly")
	}

	if rl.limiters == nil {
		t.Error("limiters map not initialized")
	}
}

func TestNewRateLimiterWithWindow(t *testing.T) {
	logger := logging.New("test", "info", "json")
	rl := NewRateLimiterWithWindow(60, time.Minute, 10, logger)

	if rl.limit != 60 {
		t.Errorf("limit = %d, want 60", rl.limit)
	}
	if rl.window != time.Minute {
		t.Errorf("window = %v, want 1m", rl.window)
	}
	if rl.rate != rate.Limit(1) {
		t.Errorf("rate = %v, want 1/s", rl.rate)
	}
}

func TestRateLimiter_getLimiter(t *testing.T) {
	logger := logging.New("test", "info", "json")
	rl := NewRateLimiter(10, 20, logger)

	limiter1 := rl.getLimiter("key1")
	if limiter1 == nil {
		t.Fatal("getLimiter() returned nil")
	}

	limiter2 := rl.getLimiter("key1")
	if limiter1 != limiter2 {
		t.Error("getLimiter() returned different limiter for same key")
	}

	limiter3 := rl.getLimiter("key2")
	if limiter1 == limiter3 {
		t.Error("getLimiter() returned same limiter for different keys")
	}

	if len(rl.limiters) != 2 {
		t.Errorf("limiters map size = %d, want 2", len(rl.limiters))
	}
}

func TestRateLimiter_LimiterCount(t *testing.T) {
	logger := logging.New("test", "info", "json")
	rl := NewRateLimiter(10, 20, logger)

	if rl.LimiterCount() != 0 {
		t.Errorf("LimiterCount() = %d, want 0", rl.LimiterCount())
	}
	rl.getLimiter("a")
	rl.getLimiter("b")
	if rl.LimiterCount() != 2 {
		t.Errorf("LimiterCount() = %d, want 2", rl.LimiterCount())
	}

	var nilRL *RateLimiter
	if nilRL.LimiterCount() != 0 {
		t.Error("LimiterCount() on nil receiver should be 0")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	logger := logging.New("test", "info", "json")
	rl := NewRateLimiter(10, 20, logger)

	for i := 0; i < 10001; i++ {
		rl.getLimiter(string(rune(i)))
	}
	rl.Cleanup()
	if len(rl.limiters) != 0 {
		t.Errorf("Cleanup() did not reset an oversized limiter map, size = %d", len(rl.limiters))
	}
}

func TestRateLimiter_Cleanup_NoResetIfSmall(t *testing.T) {
	logger := logging.New("test", "info", "json")
	rl := NewRateLimiter(10, 20, logger)
	rl.getLimiter("a")
	rl.Cleanup()
	if len(rl.limiters) != 1 {
		t.Errorf("Cleanup() reset a small limiter map, size = %d", len(rl.limiters))
	}
}

func TestRateLimiter_StartCleanup(t *testing.T) {
	logger := logging.New("test", "info", "json")
	rl := NewRateLimiter(10, 20, logger)
	stop := rl.StartCleanup(10 * time.Millisecond)
	defer stop()
	time.Sleep(25 * time.Millisecond)
}
