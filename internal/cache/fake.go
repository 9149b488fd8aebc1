package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeCache is an in-memory Cache used by tests across this module, in the
// mockIngester style of the reference ingestion blueprint's main_test.go.
type FakeCache struct {
	mu             sync.Mutex
	data           map[string][]byte
	InvalidateErr  error
	Invalidations  []InvalidateMode
	FlushCallCount int
}

func NewFakeCache() *FakeCache {
	return &FakeCache{data: map[string][]byte{}}
}

func (f *FakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *FakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *FakeCache) Invalidate(ctx context.Context, mode InvalidateMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Invalidations = append(f.Invalidations, mode)
	if f.InvalidateErr != nil {
		return f.InvalidateErr
	}
	for _, pattern := range patternsForMode(mode) {
		prefix := strings.TrimSuffix(pattern, "*")
		for k := range f.data {
			if strings.HasPrefix(k, prefix) {
				delete(f.data, k)
			}
		}
	}
	return nil
}

func (f *FakeCache) FlushAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FlushCallCount++
	f.data = map[string][]byte{}
	return nil
}
