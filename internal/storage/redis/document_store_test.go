package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

type fakeClient struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failSet error
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Set(_ context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return goredis.NewStatusResult("", f.failSet)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) Ping(context.Context) *goredis.StatusCmd {
	return goredis.NewStatusResult("PONG", nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestUpsertAndGet(t *testing.T) {
	t.Parallel()

	fake := newFakeClient()
	store := NewDocumentStoreWithClient(fake, "landsat", time.Hour)

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "landsat_metadata", "LC08_1", map[string]any{"cloud": 3.5}))
	require.NoError(t, store.Upsert(ctx, "landsat_metadata", "LC08_1", map[string]any{"cloud": 4.0}))

	assert.Equal(t, `{"cloud":4}`, fake.data["landsat:landsat_metadata:LC08_1"])
	assert.Equal(t, time.Hour, fake.ttls["landsat:landsat_metadata:LC08_1"])

	doc, err := store.Get(ctx, "landsat_metadata", "LC08_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cloud": 4.0}, doc)
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store := NewDocumentStoreWithClient(newFakeClient(), "", 0)
	_, err := store.Get(context.Background(), "c", "missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestUpsertFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeClient()
	fake.failSet = errors.New("READONLY")
	store := NewDocumentStoreWithClient(fake, "", 0)

	err := store.Upsert(context.Background(), "c", "i", map[string]any{})
	require.ErrorContains(t, err, "READONLY")
	require.Error(t, store.Upsert(context.Background(), "", "i", nil))
}

func TestPingAndClose(t *testing.T) {
	t.Parallel()

	fake := newFakeClient()
	store := NewDocumentStoreWithClient(fake, "", 0)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	assert.True(t, fake.closed)
}

func TestNewDocumentStoreRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := NewDocumentStore(context.Background(), Config{})
	require.Error(t, err)
}
