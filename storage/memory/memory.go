// Package memory is a process-local storage.Storage bounded by an LRU.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/lsp-server-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const sweepInterval = 5 * time.Minute

var _ storage.Storage = (*Storage)(nil)

type Storage struct {
	// The LRU is itself safe for concurrent use; mu makes the expired-read
	// removal and prefix sweeps atomic with respect to writers.
	mu    sync.RWMutex
	items *lru.Cache[string, *storage.Item]

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a store that holds at most capacity keys, evicting the least
// recently used one beyond that.
func New(capacity int) (*Storage, error) {
	items, err := lru.New[string, *storage.Item](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Storage{items: items, stop: make(chan struct{})}
	go s.sweep(sweepInterval)
	return s, nil
}

func (s *Storage) Get(_ context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if s.closed() {
		return nil, storage.ErrClosed
	}
	k := storage.NamespacePrefix(storage.Apply(opts...).Namespace) + key

	s.mu.RLock()
	item, ok := s.items.Get(k)
	s.mu.RUnlock()
	switch {
	case !ok:
		return nil, nil
	case item.Expired():
		s.mu.Lock()
		s.items.Remove(k)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

// Set stores a private copy of data.
func (s *Storage) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	if s.closed() {
		return storage.ErrClosed
	}
	o := storage.Apply(opts...)
	if err := o.CheckTTL(); err != nil {
		return err
	}
	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
		ExpiresAt: o.Expiry(now),
	}

	s.mu.Lock()
	s.items.Add(storage.NamespacePrefix(o.Namespace)+key, item)
	s.mu.Unlock()
	return nil
}

func (s *Storage) Delete(_ context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	prefix := storage.NamespacePrefix(o.Namespace)

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Key != nil {
		s.items.Remove(prefix + *o.Key)
		return nil
	}
	s.removeWhere(func(k string, _ *storage.Item) bool { return strings.HasPrefix(k, prefix) })
	return nil
}

// Len counts held keys, including expired ones not yet swept.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Len()
}

// Close stops the sweeper and drops every key; later reads and writes fail
// with storage.ErrClosed. It may be called repeatedly.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.items.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Storage) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// removeWhere must be called with mu held. Peek leaves recency untouched.
func (s *Storage) removeWhere(match func(string, *storage.Item) bool) {
	for _, k := range s.items.Keys() {
		if item, ok := s.items.Peek(k); ok && match(k, item) {
			s.items.Remove(k)
		}
	}
}

func (s *Storage) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.mu.Lock()
			s.removeWhere(func(_ string, item *storage.Item) bool { return item.Expired() })
			s.mu.Unlock()
		}
	}
}
