package clock

import (
	"sort"
	"testing"
	"time"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	if !fc.Now().Equal(start) {
		t.Errorf("expected %v, got %v", start, fc.Now())
	}

	fc.Advance(30 * time.Minute)
	if !fc.Now().Equal(start.Add(30 * time.Minute)) {
		t.Errorf("expected advance by 30m, got %v", fc.Now())
	}

	reset := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	fc.Set(reset)
	if !fc.Now().Equal(reset) {
		t.Errorf("expected %v after Set, got %v", reset, fc.Now())
	}
}

func TestSystemClockUTC(t *testing.T) {
	now := System{}.Now()
	if now.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", now.Location())
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewPaymentID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestIDsSortByCreationTime(t *testing.T) {
	// UUIDv7 embeds a millisecond timestamp; IDs generated across a
	// millisecond boundary must sort in generation order.
	first := NewPaymentID()
	time.Sleep(2 * time.Millisecond)
	second := NewPaymentID()

	ids := []string{second, first}
	sort.Strings(ids)
	if ids[0] != first {
		t.Errorf("expected %s to sort before %s", first, second)
	}
}
