package globaltime

import (
	"testing"
	"time"
)

func TestMockClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	SetMockTime(base)
	t.Cleanup(ResetTime)

	if !Now().Equal(base) {
		t.Fatalf("expected pinned clock %v, got %v", base, Now())
	}
	Advance(90 * time.Second)
	if got := Since(base); got != 90*time.Second {
		t.Fatalf("expected 90s since base, got %v", got)
	}
	if UTC().Location() != time.UTC {
		t.Fatalf("expected UTC location")
	}

	ResetTime()
	if Since(base) < 0 {
		t.Fatalf("expected wall clock after reset")
	}
}
