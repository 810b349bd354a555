package tier

import (
	"testing"
	"time"
)

func TestClassify_ActiveOrdersAlwaysHot(t *testing.T) {
	now := time.Now()
	a := AccountActivity{HasActiveOrders: true, LastActivityAt: now.Add(-30 * 24 * time.Hour)}
	if got := Classify(a, now); got != TierHot {
		t.Fatalf("expected HOT, got %s", got)
	}
}

func TestClassify_RecentActivityIsHot(t *testing.T) {
	now := time.Now()
	a := AccountActivity{LastActivityAt: now.Add(-2 * time.Minute)}
	if got := Classify(a, now); got != TierHot {
		t.Fatalf("expected HOT, got %s", got)
	}
}

func TestClassify_OpenPositionsAreWarm(t *testing.T) {
	now := time.Now()
	a := AccountActivity{HasOpenPositions: true, LastActivityAt: now.Add(-48 * time.Hour)}
	if got := Classify(a, now); got != TierWarm {
		t.Fatalf("expected WARM, got %s", got)
	}
}

func TestClassify_RecentActivityTodayIsWarm(t *testing.T) {
	now := time.Now()
	a := AccountActivity{LastActivityAt: now.Add(-10 * time.Hour)}
	if got := Classify(a, now); got != TierWarm {
		t.Fatalf("expected WARM, got %s", got)
	}
}

func TestClassify_LongIdleIsDormant(t *testing.T) {
	now := time.Now()
	a := AccountActivity{LastActivityAt: now.Add(-10 * 24 * time.Hour)}
	if got := Classify(a, now); got != TierDormant {
		t.Fatalf("expected DORMANT, got %s", got)
	}
}

func TestClassify_ModerateIdleIsCold(t *testing.T) {
	now := time.Now()
	a := AccountActivity{LastActivityAt: now.Add(-3 * 24 * time.Hour)}
	if got := Classify(a, now); got != TierCold {
		t.Fatalf("expected COLD, got %s", got)
	}
}

func TestClassify_UnexpiredHotPromotionWins(t *testing.T) {
	now := time.Now()
	expiry := now.Add(time.Minute)
	a := AccountActivity{LastActivityAt: now.Add(-10 * 24 * time.Hour), HotPromotedUntil: &expiry}
	if got := Classify(a, now); got != TierHot {
		t.Fatalf("expected HOT via promotion, got %s", got)
	}
}

func TestClassify_ExpiredHotPromotionIsIgnored(t *testing.T) {
	now := time.Now()
	expiry := now.Add(-time.Minute)
	a := AccountActivity{LastActivityAt: now.Add(-10 * 24 * time.Hour), HotPromotedUntil: &expiry}
	if got := Classify(a, now); got != TierDormant {
		t.Fatalf("expected DORMANT after expired promotion, got %s", got)
	}
}

func TestRunTierLoop_RejectsDormant(t *testing.T) {
	s := NewScheduler(nil, nil, nil, 0)
	if err := s.RunTierLoop(nil, TierDormant); err == nil {
		t.Fatal("expected an error requesting a DORMANT loop")
	}
}
