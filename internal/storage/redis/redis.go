// Package redis provides a storage.Store backed by a Redis server.
package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/baerautotech/cerebral-access/internal/storage"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "cerebral:kv:"

// Store keeps values in Redis without expiration.
type Store struct {
	rdb   redis.UniversalClient
	keyNS string
}

var _ storage.Store = (*Store)(nil)

// New wraps an existing client. An empty prefix selects DefaultKeyPrefix.
func New(rdb redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{rdb: rdb, keyNS: keyPrefix}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return New(rdb, ""), nil
}

func (s *Store) key(k string) string { return s.keyNS + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, false, err
	}
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	return mapErr(s.rdb.Set(ctx, s.key(key), value, 0).Err())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	return mapErr(s.rdb.Del(ctx, s.key(key)).Err())
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return mapErr(s.rdb.Close())
}

func mapErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return storage.ErrClosed
	}
	return err
}
