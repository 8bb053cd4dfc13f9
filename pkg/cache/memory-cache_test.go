package cache

import (
	"fmt"
	"sync"
	"testing"
	"waterfeed/pkg/imaging"
)

// bitmap returns a bitmap weighing exactly px*4 bytes.
func bitmap(px int) *imaging.Bitmap {
	return &imaging.Bitmap{Width: px, Height: 1, NaturalWidth: px, NaturalHeight: 1, SampleSize: 1}
}

func TestMemoryCache_PutGet(t *testing.T) {
	cache := NewMemoryCache(100, nil)
	b := bitmap(5)
	if !cache.Put("key1", b) {
		t.Fatal("Expected first Put to insert")
	}

	got, ok := cache.Get("key1")
	if !ok || got != b {
		t.Errorf("Expected to get the stored bitmap, got %v, ok=%v", got, ok)
	}
	if cache.Weight() != 20 {
		t.Errorf("Expected weight 20, got %d", cache.Weight())
	}
}

// First writer wins: a second Put for the same key is a no-op.
func TestMemoryCache_FirstWriterWins(t *testing.T) {
	cache := NewMemoryCache(100, nil)
	first := bitmap(2)
	second := bitmap(3)

	cache.Put("k", first)
	if cache.Put("k", second) {
		t.Error("Expected second Put to be rejected")
	}
	got, _ := cache.Get("k")
	if got != first {
		t.Error("Expected the first value to survive")
	}
	if cache.Weight() != 8 {
		t.Errorf("Expected weight 8, got %d", cache.Weight())
	}
}

// Eviction is by weight in least recently used order.
func TestMemoryCache_Eviction(t *testing.T) {
	var evicted []string
	cache := NewMemoryCache(40, func(key string, _ uint64) {
		evicted = append(evicted, key)
	})
	cache.Put("key1", bitmap(4)) // 16
	cache.Put("key2", bitmap(4)) // 16

	// Access key1 to make key2 the LRU
	_, _ = cache.Get("key1")

	cache.Put("key3", bitmap(4)) // 48 > 40, evicts key2

	if _, ok := cache.Get("key2"); ok {
		t.Error("Expected key2 to be evicted")
	}
	if _, ok := cache.Get("key1"); !ok {
		t.Error("Expected key1 to still exist")
	}
	if _, ok := cache.Get("key3"); !ok {
		t.Error("Expected key3 to exist")
	}
	if len(evicted) != 1 || evicted[0] != "key2" {
		t.Errorf("Expected eviction callback for key2, got %v", evicted)
	}
	if cache.Weight() > cache.Budget() {
		t.Errorf("Weight %d exceeds budget %d", cache.Weight(), cache.Budget())
	}
}

func TestMemoryCache_EvictsSeveralForHeavyEntry(t *testing.T) {
	cache := NewMemoryCache(40, nil)
	cache.Put("a", bitmap(2))
	cache.Put("b", bitmap(2))
	cache.Put("c", bitmap(2))
	cache.Put("big", bitmap(9)) // 36

	if cache.Len() != 1 {
		t.Errorf("Expected only the heavy entry to remain, got %d entries", cache.Len())
	}
	if cache.Weight() != 36 {
		t.Errorf("Expected weight 36, got %d", cache.Weight())
	}
}

func TestMemoryCache_RejectsOverBudgetEntry(t *testing.T) {
	cache := NewMemoryCache(40, nil)
	cache.Put("a", bitmap(2))
	if cache.Put("huge", bitmap(11)) {
		t.Error("Expected entry heavier than the budget to be rejected")
	}
	if _, ok := cache.Get("a"); !ok {
		t.Error("Expected existing entry to be untouched")
	}
}

func TestMemoryCache_Remove(t *testing.T) {
	cache := NewMemoryCache(40, nil)
	cache.Put("key1", bitmap(1))
	cache.Remove("key1")
	cache.Remove("missing")

	if _, ok := cache.Get("key1"); ok {
		t.Error("Expected key1 to be removed")
	}
	if cache.Weight() != 0 {
		t.Errorf("Expected weight 0, got %d", cache.Weight())
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	cache := NewMemoryCache(400, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(3)
		key := fmt.Sprintf("key%d", i)
		go func() {
			defer wg.Done()
			cache.Put(key, bitmap(i%7+1))
		}()
		go func() {
			defer wg.Done()
			cache.Get(key)
		}()
		go func() {
			defer wg.Done()
			cache.Remove(key)
		}()
	}
	wg.Wait()

	if cache.Weight() > cache.Budget() {
		t.Errorf("Cache weight exceeded budget: %d", cache.Weight())
	}
}

func TestNewMemoryCache_ZeroBudgetPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for zero budget")
		}
	}()
	NewMemoryCache(0, nil)
}

func FuzzMemoryCache_Budget(f *testing.F) {
	f.Add([]byte{1, 2, 3, 250, 4}, uint16(64))
	f.Add([]byte{0, 0, 0}, uint16(1))
	f.Add([]byte{9, 9, 9, 9, 9, 9}, uint16(100))

	f.Fuzz(func(t *testing.T, sizes []byte, budget uint16) {
		if budget == 0 {
			return
		}
		cache := NewMemoryCache(uint64(budget), nil)
		for i, s := range sizes {
			cache.Put(fmt.Sprintf("k%d", i%11), bitmap(int(s)))
			if cache.Weight() > cache.Budget() {
				t.Fatalf("weight %d exceeds budget %d after put %d", cache.Weight(), cache.Budget(), i)
			}
			if i%3 == 0 {
				cache.Get(fmt.Sprintf("k%d", (i+5)%11))
			}
		}
	})
}
