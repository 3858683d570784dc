package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baerautotech/cerebral-access/internal/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	value := []byte(`{"a":true}`)
	require.NoError(t, s.Set(ctx, "cerebral_feature_flags", value))
	value[0] = 'X'

	got, ok, err := s.Get(ctx, "cerebral_feature_flags")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":true}`, string(got), "stored value must not alias the caller's slice")

	got[0] = 'Y'
	again, _, _ := s.Get(ctx, "cerebral_feature_flags")
	assert.Equal(t, `{"a":true}`, string(again))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, "cerebral_feature_flags"))
	_, ok, err = s.Get(ctx, "cerebral_feature_flags")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRejectsInvalidKey(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Set(context.Background(), "", []byte("x")), storage.ErrInvalidKey)
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", nil), storage.ErrClosed)
	assert.ErrorIs(t, s.Delete(ctx, "k"), storage.ErrClosed)
}
