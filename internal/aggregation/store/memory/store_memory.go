package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"carfengine/internal/aggregation/models"
	id "carfengine/pkg/domain"
	"carfengine/pkg/platform/sentinel"
)

// InMemoryBucketStore keeps buckets in process memory. The map lock is held
// only to find or create an entry; the fold itself runs under the entry's
// own lock so different keys never contend.
type InMemoryBucketStore struct {
	mu      sync.RWMutex
	buckets map[models.Key]*entry
	closed  map[id.TaxYear]time.Time
}

type entry struct {
	mu     sync.Mutex
	bucket *models.Bucket
}

// New creates an empty store.
func New() *InMemoryBucketStore {
	return &InMemoryBucketStore{
		buckets: make(map[models.Key]*entry),
		closed:  make(map[id.TaxYear]time.Time),
	}
}

func (s *InMemoryBucketStore) Apply(_ context.Context, key models.Key, c models.Contribution, threshold decimal.Decimal) (*models.Bucket, error) {
	e, err := s.getOrCreate(key)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bucket.Closed {
		return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrClosed)
	}
	e.bucket.Fold(c, threshold)
	return e.bucket.Clone(), nil
}

func (s *InMemoryBucketStore) Close(_ context.Context, key models.Key, at time.Time) (*models.Bucket, error) {
	s.mu.RLock()
	e, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	closeBucket(e.bucket, at)
	return e.bucket.Clone(), nil
}

func (s *InMemoryBucketStore) ClosePeriod(_ context.Context, year id.TaxYear, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.closed[year]; !done {
		s.closed[year] = at
	}
	n := 0
	for key, e := range s.buckets {
		if key.TaxYear != year {
			continue
		}
		e.mu.Lock()
		if closeBucket(e.bucket, at) {
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

func (s *InMemoryBucketStore) Get(_ context.Context, key models.Key) (*models.Bucket, error) {
	s.mu.RLock()
	e, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bucket.Clone(), nil
}

func (s *InMemoryBucketStore) ListByTaxYear(_ context.Context, year id.TaxYear) ([]*models.Bucket, error) {
	s.mu.RLock()
	entries := make([]*entry, 0)
	for key, e := range s.buckets {
		if key.TaxYear == year {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	out := make([]*models.Bucket, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.bucket.Clone())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *models.Bucket) int {
		return cmp.Compare(a.Key.Pseudonym, b.Key.Pseudonym)
	})
	return out, nil
}

func (s *InMemoryBucketStore) getOrCreate(key models.Key) (*entry, error) {
	s.mu.RLock()
	e, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.buckets[key]; ok {
		return e, nil
	}
	if _, closed := s.closed[key.TaxYear]; closed {
		return nil, fmt.Errorf("tax year %s: %w", key.TaxYear, sentinel.ErrClosed)
	}
	e = &entry{bucket: models.NewBucket(key)}
	s.buckets[key] = e
	return e, nil
}

// closeBucket reports whether b was open.
func closeBucket(b *models.Bucket, at time.Time) bool {
	if b.Closed {
		return false
	}
	b.Closed = true
	b.ClosedAt = &at
	return true
}
