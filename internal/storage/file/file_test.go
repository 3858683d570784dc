package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baerautotech/cerebral-access/internal/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cache")
	s, err := New(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	_, ok, err := s.Get(ctx, "cerebral_feature_flags")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "cerebral_feature_flags", []byte(`{"ar_mode":true}`)))
	got, ok, err := s.Get(ctx, "cerebral_feature_flags")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"ar_mode":true}`, string(got))

	fi, err := os.Stat(filepath.Join(dir, "cerebral_feature_flags.kv"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	require.NoError(t, s.Set(ctx, "cerebral_feature_flags", []byte(`{}`)))
	got, _, _ = s.Get(ctx, "cerebral_feature_flags")
	assert.Equal(t, `{}`, string(got))

	require.NoError(t, s.Delete(ctx, "cerebral_feature_flags"))
	require.NoError(t, s.Delete(ctx, "cerebral_feature_flags"))
	_, ok, err = s.Get(ctx, "cerebral_feature_flags")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	reopened, err := New(dir)
	require.NoError(t, err)
	got, ok, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(got))
}

func TestStoreEscapesKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "../escape", []byte("x")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "..%2Fescape.kv", entries[0].Name())

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape.kv"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStoreRefusesSymlink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(target, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "k.kv")))

	_, _, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, errUnsafePath)
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v")), errUnsafePath)
}

func TestStoreBoundsValueSize(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir, WithMaxValueSize(4))
	require.NoError(t, err)

	assert.Error(t, s.Set(ctx, "k", []byte("too large")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.kv"), []byte("0123456789"), 0o600))
	_, _, err = s.Get(ctx, "big")
	assert.ErrorIs(t, err, errUnsafePath)
}

func TestStoreClosedAndInvalid(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Set(ctx, "", nil), storage.ErrInvalidKey)
	require.NoError(t, s.Close())
	_, _, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrClosed)

	_, err = New("  ")
	assert.Error(t, err)
}
