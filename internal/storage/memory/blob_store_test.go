package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.Put(context.Background(), "landsat_images/S1.png", "image/png", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://landsat_images/S1.png", uri)

	payload[0] = 'C'
	stored, err := store.Get(context.Background(), "landsat_images/S1.png")
	require.NoError(t, err)
	assert.Equal(t, "content", string(stored))
	assert.Equal(t, "image/png", store.ContentType("landsat_images/S1.png"))
}

func TestBlobStorePutOverwrites(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, body := range []string{"v1", "v2"} {
		_, err := store.Put(ctx, "k", "text/plain", bytes.NewBufferString(body))
		require.NoError(t, err)
	}
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	assert.Equal(t, 1, store.Len())
}

func TestBlobStoreGetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().Get(context.Background(), "nope")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestBlobStoreListAndExists(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, p := range []string{"meta/B/b.json", "meta/A/a.json", "other/x"} {
		_, err := store.Put(ctx, p, "application/json", bytes.NewBufferString("{}"))
		require.NoError(t, err)
	}

	infos, err := store.List(ctx, "meta/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "meta/A/a.json", infos[0].Path)
	assert.Equal(t, int64(2), infos[0].Size)

	ok, err := store.Exists(ctx, "other/x")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(ctx, "other/y")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobStorePutRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().Put(context.Background(), " ", "", bytes.NewBufferString("x"))
	require.Error(t, err)
}
