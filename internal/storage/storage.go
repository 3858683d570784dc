// Package storage defines the durable key-value contract the access caches
// persist through. Implementations live in the subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store is closed")
	// ErrInvalidKey is returned for empty or unusable keys.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// MaxKeyLength bounds the length of a key.
const MaxKeyLength = 200

// Store is a durable string-keyed byte store. Get reports ok=false for a
// missing key without an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that no backend can store safely.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in %q", ErrInvalidKey, key)
		}
	}
	return nil
}
