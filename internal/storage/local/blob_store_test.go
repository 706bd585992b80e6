// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPut(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPath", func(t *testing.T) {
		path := "landsat_images/LC08_195028_20220712.png"
		data := []byte("png bytes")
		uri, err := store.Put(ctx, path, "image/png", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.Put(ctx, "manifest.json", "application/json", bytes.NewBufferString(`{"revision":1}`))
		require.NoError(t, err)
		_, err = store.Put(ctx, "manifest.json", "application/json", bytes.NewBufferString(`{"revision":2}`))
		require.NoError(t, err)
		got, err := store.Get(ctx, "manifest.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"revision":2}`, string(got))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.Put(ctx, "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.Put(ctx, "../outside.txt", "text/plain", bytes.NewReader([]byte("data")))
		assert.ErrorContains(t, err, "path traversal")
	})
}

func TestGetExistsList(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, "config/region.json")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	ok, err := store.Exists(ctx, "config/region.json")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, p := range []string{"meta/D1/b.TIF.json", "meta/D1/a.txt.json", "images/x.png"} {
		_, err := store.Put(ctx, p, "application/json", bytes.NewBufferString("{}"))
		require.NoError(t, err)
	}

	ok, err = store.Exists(ctx, "images/x.png")
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := store.List(ctx, "meta/D1/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "meta/D1/a.txt.json", infos[0].Path)
	assert.Equal(t, "meta/D1/b.TIF.json", infos[1].Path)
	assert.Equal(t, int64(2), infos[0].Size)
}
