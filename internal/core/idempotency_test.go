package core_test

import (
	"testing"

	"LeverLedger/internal/core"
)

func TestIdempotencyLRU_EvictsOldestAndRoundTrips(t *testing.T) {
	lru := core.NewIdempotencyLRU(3)
	for _, k := range []string{"a", "b", "c", "d"} {
		lru.Add(k)
	}
	if lru.Contains("a") {
		t.Error("expected a evicted")
	}
	if lru.Size() != 3 || lru.Evictions() != 1 {
		t.Errorf("size %d evictions %d", lru.Size(), lru.Evictions())
	}

	lru.Contains("b") // promote
	keys := lru.GetAllKeys()
	want := []string{"c", "d", "b"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys %v, want %v", keys, want)
		}
	}

	warm := core.NewIdempotencyLRU(2)
	warm.WarmFromKeys(keys)
	if warm.Contains("c") || !warm.Contains("d") || !warm.Contains("b") {
		t.Errorf("warm kept the wrong keys: %v", warm.GetAllKeys())
	}
}
