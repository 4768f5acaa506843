package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"exploratory-testing-support/internal/adapters/storage/changefeed"
	"exploratory-testing-support/internal/usecase"
)

// Store is an in-process SharedStore. Values are copied on the way in and
// out so callers never share backing arrays with the map.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
	feed  *changefeed.Feed
}

func NewStore() *Store {
	return &Store{items: make(map[string][]byte), feed: changefeed.New()}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.items[key]
	s.items[key] = clone(value)
	c := usecase.Change{Key: key, NewValue: clone(value)}
	if had {
		c.OldValue = old
	}
	s.feed.Publish(c)
	return nil
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := make([]usecase.Change, 0, len(keys))
	for _, k := range keys {
		if old, ok := s.items[k]; ok {
			delete(s.items, k)
			changes = append(changes, usecase.Change{Key: k, OldValue: old})
		}
	}
	s.feed.Publish(changes...)
	return nil
}

// Update holds the write lock across fn, so fn must not call back into s.
func (s *Store) Update(ctx context.Context, key string, fn func(old []byte, ok bool) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.items[key]
	next, err := fn(clone(old), had)
	if errors.Is(err, usecase.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	c := usecase.Change{Key: key}
	if had {
		c.OldValue = old
	}
	if next == nil {
		if !had {
			return nil
		}
		delete(s.items, key)
	} else {
		s.items[key] = clone(next)
		c.NewValue = clone(next)
	}
	// published under the lock so subscribers see writes in order
	s.feed.Publish(c)
	return nil
}

func (s *Store) Subscribe(fn usecase.ChangeFunc) func() { return s.feed.Subscribe(fn) }

// Keys lists stored keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) Close() error {
	s.feed.Close()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
