package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/cache"
)

// RateStore counts requests per key within a rolling window. Implementations
// must be safe for concurrent use.
type RateStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

// NewMemoryRateStore returns a process-local RateStore. Counters live only in
// this process, so it suits single-instance deployments and tests. The store
// runs a background sweeper; callers that tear limiters down (tests, mostly)
// can stop it by asserting io.Closer on the returned value.
func NewMemoryRateStore() RateStore {
	s := &memoryRateStore{
		counters: make(map[string]*windowCounter),
		clock:    time.Now,
		done:     make(chan struct{}),
	}
	go s.sweep(time.NewTicker(time.Minute))
	return s
}

type memoryRateStore struct {
	mu        sync.Mutex
	counters  map[string]*windowCounter
	clock     func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// Close stops the background sweeper. Counting keeps working afterwards; only
// the janitor goroutine exits. Safe to call more than once.
func (s *memoryRateStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type windowCounter struct {
	hits  int
	until time.Time
}

func (s *memoryRateStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.counters[key]
	if w == nil || now.After(w.until) {
		w = &windowCounter{until: now.Add(window)}
		s.counters[key] = w
	}
	w.hits++
	return w.hits, w.until.Sub(now), nil
}

// sweep drops counters whose window has passed so the map stays bounded.
func (s *memoryRateStore) sweep(tick *time.Ticker) {
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
		}

		now := s.clock()
		s.mu.Lock()
		for key, w := range s.counters {
			if now.After(w.until) {
				delete(s.counters, key)
			}
		}
		s.mu.Unlock()
	}
}

// NewRedisRateStore adapts the Redis cache into a RateStore so limits are
// shared across replicas.
func NewRedisRateStore(store cache.Store) RateStore {
	return newSharedRateStore(store)
}

// NewDatabaseRateStore adapts the database-backed cache into a RateStore.
func NewDatabaseRateStore(store cache.Store) RateStore {
	return newSharedRateStore(store)
}

type sharedRateStore struct {
	store cache.Store
}

func newSharedRateStore(store cache.Store) RateStore {
	if store == nil {
		return nil
	}
	return &sharedRateStore{store: store}
}

func (s *sharedRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	count, ttl, err := s.store.IncrementWithTTL(ctx, key, window)
	return int(count), ttl, err
}
