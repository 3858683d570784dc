// Package memory provides an in-process storage.Store backed by go-cache.
package memory

import (
	"context"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"

	"github.com/baerautotech/cerebral-access/internal/storage"
)

// Store keeps values in memory without expiration.
type Store struct {
	c      *gocache.Cache
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// New returns an empty memory store.
func New() *Store {
	return &Store{c: gocache.New(gocache.NoExpiration, 0)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, storage.ErrClosed
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, false, err
	}
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	b := make([]byte, len(value))
	copy(b, value)
	s.c.Set(key, b, gocache.NoExpiration)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	s.c.Delete(key)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return s.c.ItemCount()
}

// Close drops all values; later calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.c.Flush()
	return nil
}
