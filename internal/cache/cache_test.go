package cache

import (
	"context"
	"testing"
)

func TestFakeCacheInvalidateScopesByMode(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCache()
	c.Set(ctx, AssetKey("A"), []byte("a"), 0)
	c.Set(ctx, TickerKey("T"), []byte("t"), 0)
	c.Set(ctx, LabelKey("L"), []byte("l"), 0)

	if err := c.Invalidate(ctx, AssetsBlockchainData); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, AssetKey("A")); ok {
		t.Error("asset key should be gone after assets_blockchain_data invalidate")
	}
	if _, ok, _ := c.Get(ctx, TickerKey("T")); !ok {
		t.Error("ticker key should survive assets_blockchain_data invalidate")
	}
}

func TestFakeCacheFlushAllClearsEverything(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCache()
	c.Set(ctx, AssetKey("A"), []byte("a"), 0)
	c.Set(ctx, TickerKey("T"), []byte("t"), 0)
	if err := c.FlushAll(ctx); err != nil {
		t.Fatalf("flush_all: %v", err)
	}
	if _, ok, _ := c.Get(ctx, AssetKey("A")); ok {
		t.Error("expected empty cache after flush_all")
	}
	if c.FlushCallCount != 1 {
		t.Errorf("FlushCallCount = %d, want 1", c.FlushCallCount)
	}
}

func TestPatternsForModeCoverage(t *testing.T) {
	for _, mode := range []InvalidateMode{AssetsBlockchainData, AssetsUserDefinedData, AssetLabels, AllData} {
		patterns := patternsForMode(mode)
		if mode == AllData && patterns != nil {
			t.Errorf("AllData should have no scoped patterns (handled via FlushAll), got %v", patterns)
		}
		if mode != AllData && len(patterns) == 0 {
			t.Errorf("mode %s has no patterns", mode)
		}
	}
}
