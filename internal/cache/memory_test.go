package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheExpiresEntries(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if err := cache.Set(ctx, "page-1", sampleRequest(), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, hit, _, _ := cache.Get(ctx, "page-1"); !hit {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(time.Minute)
	if _, hit, _, _ := cache.Get(ctx, "page-1"); hit {
		t.Fatal("expected miss after expiry")
	}
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()
	request := sampleRequest()
	if err := cache.Set(ctx, "page-1", request, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	request.Publishers[0] = "mutated"

	got, _, _, _ := cache.Get(ctx, "page-1")
	if got.Publishers[0] != "pub1" {
		t.Fatalf("cache shares memory with caller: %v", got.Publishers)
	}
	if err := cache.Invalidate(ctx, "page-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, hit, _, _ := cache.Get(ctx, "page-1"); hit {
		t.Fatal("expected miss after invalidate")
	}
}

func TestMemoryCacheDropsWriteFromOlderGeneration(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()

	_, _, generation, _ := cache.Get(ctx, "page-1")
	if err := cache.Invalidate(ctx, "page-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := cache.Set(ctx, "page-1", nil, generation); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, hit, _, _ := cache.Get(ctx, "page-1"); hit {
		t.Fatal("expected write read before the invalidation to be dropped")
	}

	_, _, current, _ := cache.Get(ctx, "page-1")
	if current != generation+1 {
		t.Fatalf("generation = %d, want %d", current, generation+1)
	}
	if err := cache.Set(ctx, "page-1", sampleRequest(), current); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, hit, _, _ := cache.Get(ctx, "page-1"); !hit {
		t.Fatal("expected write with the current generation to be stored")
	}
}
