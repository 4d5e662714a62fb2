package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryCache_GetSet(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	digest := []byte{0xaa, 0xbb, 0xcc}
	modTime := time.Now()
	err := cache.Set(ctx, "/data/report.txt", 4096, modTime, digest, 0)
	if err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	got, ok := cache.Get(ctx, "/data/report.txt", 4096, modTime)
	if !ok {
		t.Fatal("cache entry not found")
	}
	if string(got) != string(digest) {
		t.Fatalf("expected digest %x, got %x", digest, got)
	}
}

func TestMemoryCache_InvalidatesOnChange(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	modTime := time.Now()
	if err := cache.Set(ctx, "/data/report.txt", 4096, modTime, []byte{0x01}, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	// Size drift
	if _, ok := cache.Get(ctx, "/data/report.txt", 8192, modTime); ok {
		t.Fatal("entry must miss when the file size changed")
	}

	// The stale entry is dropped, so even the original shape misses now
	if _, ok := cache.Get(ctx, "/data/report.txt", 4096, modTime); ok {
		t.Fatal("stale entry must be evicted after an invalidating get")
	}
}

func TestMemoryCache_InvalidatesOnModTime(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	modTime := time.Now()
	if err := cache.Set(ctx, "/data/report.txt", 4096, modTime, []byte{0x01}, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	if _, ok := cache.Get(ctx, "/data/report.txt", 4096, modTime.Add(time.Second)); ok {
		t.Fatal("entry must miss when the modification time changed")
	}
}

func TestMemoryCache_Expiration(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	modTime := time.Now()
	err := cache.Set(ctx, "/data/report.txt", 4096, modTime, []byte{0x01}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	if _, ok := cache.Get(ctx, "/data/report.txt", 4096, modTime); !ok {
		t.Fatal("cache entry not found immediately after set")
	}

	time.Sleep(150 * time.Millisecond)

	if _, ok := cache.Get(ctx, "/data/report.txt", 4096, modTime); ok {
		t.Fatal("cache entry should be expired")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	modTime := time.Now()
	if err := cache.Set(ctx, "/data/report.txt", 4096, modTime, []byte{0x01}, 0); err != nil {
		t.Fatalf("failed to set cache: %v", err)
	}

	if err := cache.Delete(ctx, "/data/report.txt"); err != nil {
		t.Fatalf("failed to delete cache: %v", err)
	}

	if _, ok := cache.Get(ctx, "/data/report.txt", 4096, modTime); ok {
		t.Fatal("cache entry should be deleted")
	}
}

func TestMemoryCache_MaxEntries(t *testing.T) {
	cache := NewMemoryCache(3, 5*time.Minute)
	ctx := context.Background()

	modTime := time.Now()
	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("/data/file%d", i)
		if err := cache.Set(ctx, path, 100, modTime, []byte{byte(i)}, 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
	}

	stats := cache.Stats()
	if stats.Items > 3 {
		t.Fatalf("expected at most 3 items, got %d", stats.Items)
	}
	if stats.Evictions == 0 {
		t.Fatal("expected evictions when over capacity")
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	modTime := time.Now()
	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("/data/file%d", i)
		if err := cache.Set(ctx, path, 100, modTime, []byte{byte(i)}, 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		cache.Get(ctx, fmt.Sprintf("/data/file%d", i), 100, modTime)
	}
	cache.Get(ctx, "/data/nonexistent", 100, modTime)

	stats := cache.Stats()

	if stats.Items != 5 {
		t.Fatalf("expected 5 items, got %d", stats.Items)
	}
	if stats.Hits != 3 {
		t.Fatalf("expected 3 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestMemoryCache_Clear(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	modTime := time.Now()
	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("/data/file%d", i)
		if err := cache.Set(ctx, path, 100, modTime, []byte{byte(i)}, 0); err != nil {
			t.Fatalf("failed to set cache: %v", err)
		}
	}

	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("failed to clear cache: %v", err)
	}

	stats := cache.Stats()
	if stats.Items != 0 {
		t.Fatalf("expected 0 items after clear, got %d", stats.Items)
	}
}
