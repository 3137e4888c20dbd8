// Package memory provides an in-memory storage.RunStore for tests and
// single-process deployments. Runs are lost on restart. A positive size
// cap evicts the least recently used run.
package memory

import (
	"container/list"
	"context"
	"slices"
	"sync"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/storage"
)

type entry struct {
	run    *api.Run
	tenant string
	elem   *list.Element
}

// Store is an in-memory RunStore with optional LRU eviction.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front is most recently used
	maxSize int
}

var _ storage.RunStore = (*Store)(nil)

// New creates a store. maxSize 0 means unbounded.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// SaveRun stores a copy of run under the tenant in ctx.
func (s *Store) SaveRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[run.ID]; ok {
		return storage.ErrConflict
	}
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	cp := *run
	s.entries[run.ID] = &entry{
		run:    &cp,
		tenant: storage.GetTenant(ctx),
		elem:   s.lru.PushFront(run.ID),
	}
	return nil
}

// GetRun returns a copy of the run and marks it recently used.
func (s *Store) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || !storage.Visible(ctx, e.tenant) {
		return nil, storage.ErrNotFound
	}
	s.lru.MoveToFront(e.elem)
	cp := *e.run
	return &cp, nil
}

// ListRuns returns a page of visible runs ordered by creation time.
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) (*api.RunList, error) {
	s.mu.Lock()
	var matches []*api.Run
	for _, e := range s.entries {
		if !storage.Visible(ctx, e.tenant) || !opts.Matches(e.run) {
			continue
		}
		cp := *e.run
		matches = append(matches, &cp)
	}
	s.mu.Unlock()

	asc := opts.Ascending()
	slices.SortFunc(matches, func(a, b *api.Run) int {
		c := compare(a.CreatedAt, b.CreatedAt)
		if c == 0 {
			c = compare(a.ID, b.ID)
		}
		if !asc {
			c = -c
		}
		return c
	})
	return storage.Paginate(matches, opts), nil
}

// DeleteRun removes a run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || !storage.Visible(ctx, e.tenant) {
		return storage.ErrNotFound
	}
	s.lru.Remove(e.elem)
	delete(s.entries, id)
	return nil
}

// Len returns the number of stored runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// evictOldest drops the least recently used run. s.mu must be held.
func (s *Store) evictOldest() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.lru.Remove(back)
	delete(s.entries, id)
}

func compare[T int64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
