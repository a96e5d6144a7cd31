package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/keygate/internal/keyed"
)

func TestFileKeyRepository_MissingFile(t *testing.T) {
	repo, err := NewFileKeyRepository(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)

	keys, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, keyed.ErrKeyNotFound)
}

func TestFileKeyRepository_PersistsAcrossLoads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "keys.json")

	repo, err := NewFileKeyRepository(path)
	require.NoError(t, err)
	rec := testRecord()
	require.NoError(t, repo.Insert(ctx, rec))
	assert.ErrorIs(t, repo.Insert(ctx, rec), keyed.ErrKeyExists)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := NewFileKeyRepository(path)
	require.NoError(t, err)
	got, err := reloaded.Get(ctx, rec.Name)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Material, got.Material)
	assert.Equal(t, rec.Policy, got.Policy)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestFileKeyRepository_InvalidateAndPurge(t *testing.T) {
	ctx := context.Background()
	repo, err := NewFileKeyRepository(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)

	for _, r := range []string{"old", "fresh", "live"} {
		rec := testRecord()
		rec.Name = r
		require.NoError(t, repo.Insert(ctx, rec))
	}

	now := time.Now().UTC()
	require.NoError(t, repo.MarkInvalidated(ctx, "old", now.Add(-48*time.Hour)))
	require.NoError(t, repo.MarkInvalidated(ctx, "fresh", now))
	// a second invalidation keeps the original timestamp
	require.NoError(t, repo.MarkInvalidated(ctx, "old", now))

	n, err := repo.PurgeInvalidated(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keys, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "fresh", keys[0].Name)
	assert.True(t, keys[0].Invalidated)
	assert.Equal(t, "live", keys[1].Name)
	assert.False(t, keys[1].Invalidated)
}

func TestFileKeyRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo, err := NewFileKeyRepository(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, testRecord()))

	n, err := repo.Delete(ctx, []string{"biometric_demo_key", "other"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, "biometric_demo_key")
	assert.ErrorIs(t, err, keyed.ErrKeyNotFound)
}

func TestFileKeyRepository_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileKeyRepository(path)
	assert.Error(t, err)
}
