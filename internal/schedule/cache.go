package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/pkg/logger"
)

// Store keeps datasets by key until their TTL passes
type Store interface {
	Get(ctx context.Context, key string) (*Dataset, bool, error)
	Set(ctx context.Context, key string, dataset *Dataset, ttl time.Duration) error
}

// CachedFetcher serves datasets from a Store and lets at most one upstream
// fetch per key run at a time. Concurrent callers for the same airport and
// freshness window share the leader's result.
type CachedFetcher struct {
	next      Fetcher
	store     Store
	freshness time.Duration
	// bounds a shared upstream fetch, which outlives any single caller
	upstreamTimeout time.Duration
	group           singleflight.Group
	now             func() time.Time
	logger          *logger.Logger
}

const defaultUpstreamTimeout = 30 * time.Second

// NewCachedFetcher wraps next with a cache
func NewCachedFetcher(next Fetcher, store Store, freshness time.Duration, logger *logger.Logger) *CachedFetcher {
	if freshness <= 0 {
		freshness = 10 * time.Minute
	}
	return &CachedFetcher{
		next:            next,
		store:           store,
		freshness:       freshness,
		upstreamTimeout: defaultUpstreamTimeout,
		now:             time.Now,
		logger:          logger.Named("schedule-cache"),
	}
}

// Fetch returns a cached dataset or fetches a fresh one. Store failures are
// logged and bypassed.
func (c *CachedFetcher) Fetch(ctx context.Context, code airports.Code) (*Dataset, error) {
	if !code.Valid() {
		return nil, qaerrors.NewInvalidAirport(string(code))
	}

	key := c.key(code)

	if dataset, ok := c.lookup(ctx, key); ok {
		c.logger.Debug("Schedule cache hit", logger.String("key", key))
		return dataset.Clone(), nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// detached so one caller leaving does not fail the others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.upstreamTimeout)
		defer cancel()

		// a previous leader may have filled the key while we waited
		if dataset, ok := c.lookup(fetchCtx, key); ok {
			return dataset, nil
		}

		dataset, err := c.next.Fetch(fetchCtx, code)
		if err != nil {
			return nil, err
		}

		if err := c.store.Set(fetchCtx, key, dataset, c.freshness); err != nil {
			c.logger.Warn("Failed to store schedule in cache",
				logger.String("key", key),
				logger.Error(err))
		}
		return dataset, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, qaerrors.Wrap(qaerrors.KindProviderUnavailable, ctx.Err(), "schedule fetch abandoned")
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	if res.Shared {
		c.logger.Debug("Shared in-flight schedule fetch", logger.String("key", key))
	}

	return res.Val.(*Dataset).Clone(), nil
}

// lookup reads the store and treats errors as misses
func (c *CachedFetcher) lookup(ctx context.Context, key string) (*Dataset, bool) {
	dataset, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Failed to read schedule cache",
			logger.String("key", key),
			logger.Error(err))
		return nil, false
	}
	return dataset, ok
}

// key is airport + the start of the current freshness window
func (c *CachedFetcher) key(code airports.Code) string {
	window := c.now().UTC().Truncate(c.freshness)
	return fmt.Sprintf("flightqa:schedule:%s:%d", code, window.Unix())
}

// memoryEntry is a cached dataset with its expiry
type memoryEntry struct {
	dataset   *Dataset
	expiresAt time.Time
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the dataset if present and not expired (thread-safe)
func (s *MemoryStore) Get(_ context.Context, key string) (*Dataset, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		if current, ok := s.entries[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.dataset.Clone(), true, nil
}

// Set stores a copy of the dataset (thread-safe)
func (s *MemoryStore) Set(_ context.Context, key string, dataset *Dataset, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// expired entries from older windows are never read again
	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}

	s.entries[key] = memoryEntry{
		dataset:   dataset.Clone(),
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired or not
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
