package cache

import (
	"context"
	"sync"
	"time"

	"cmsworkflow/internal/workflow"
)

// MemoryCache is the in-process cache used when no Redis URL is configured.
type MemoryCache struct {
	mu          sync.Mutex
	ttl         time.Duration
	now         func() time.Time
	entries     map[string]memoryEntry
	generations map[string]uint64
}

type memoryEntry struct {
	request   *workflow.Request
	expiresAt time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{
		ttl:         ttl,
		now:         time.Now,
		entries:     make(map[string]memoryEntry),
		generations: make(map[string]uint64),
	}
}

func (c *MemoryCache) Get(_ context.Context, pageID string) (*workflow.Request, bool, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	generation := c.generations[pageID]
	cached, ok := c.entries[pageID]
	if !ok {
		return nil, false, generation, nil
	}
	if !c.now().Before(cached.expiresAt) {
		delete(c.entries, pageID)
		return nil, false, generation, nil
	}
	return copyRequest(cached.request), true, generation, nil
}

// Set stores request unless pageID was invalidated after generation was read.
func (c *MemoryCache) Set(_ context.Context, pageID string, request *workflow.Request, generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[pageID] != generation {
		return nil
	}
	c.entries[pageID] = memoryEntry{request: copyRequest(request), expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, pageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[pageID]++
	delete(c.entries, pageID)
	return nil
}

func copyRequest(request *workflow.Request) *workflow.Request {
	if request == nil {
		return nil
	}
	copied := *request
	copied.Publishers = append([]string(nil), request.Publishers...)
	return &copied
}
