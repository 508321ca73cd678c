package content

import "testing"

func TestCacheVersionMismatchMisses(t *testing.T) {
	cache := NewCache()
	cache.Put("m1", 1, "hello", nil)

	if entry, ok := cache.Get("m1", 1); !ok || entry.Text != "hello" {
		t.Fatalf("expected hit for version 1, got %+v ok=%v", entry, ok)
	}
	if _, ok := cache.Get("m1", 2); ok {
		t.Fatalf("expected miss for version 2")
	}
}

func TestCacheInvalidateAndClear(t *testing.T) {
	cache := NewCache()
	cache.Put("m1", 1, "a", nil)
	cache.Put("m2", 1, "b", nil)
	cache.Put("m3", 1, "c", nil)

	cache.Invalidate("m1", "missing")
	if _, ok := cache.Get("m1", 1); ok {
		t.Fatalf("expected m1 to be invalidated")
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries after invalidate, got %d", cache.Len())
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache after clear, got %d", cache.Len())
	}
}
