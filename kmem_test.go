package kmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, blockNum int) *Allocator {
	t.Helper()
	a, err := New(make([]byte, blockNum*64), 64, blockNum, DefaultConfig())
	require.NoError(t, err)
	return a
}

func TestNew_StartsReady(t *testing.T) {
	a := newTestAllocator(t, 256)
	assert.Equal(t, StateReady, a.State())
}

func TestAllocator_MallocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 256)

	obj, err := a.Malloc(40)
	require.NoError(t, err)
	require.NoError(t, a.Free(obj))
}

func TestAllocator_CacheLifecycle(t *testing.T) {
	a := newTestAllocator(t, 256)

	h, err := a.CacheCreate("nodes", 48, nil, nil)
	require.NoError(t, err)

	obj, err := a.CacheAlloc(h)
	require.NoError(t, err)
	require.NoError(t, a.CacheFree(h, obj))

	require.NoError(t, a.CacheDestroy(&h))
	assert.False(t, h.Valid())
}

func TestAllocator_ShutdownDestroysCachesAndRejectsFurtherWork(t *testing.T) {
	a := newTestAllocator(t, 256)

	_, err := a.CacheCreate("nodes", 48, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	assert.Equal(t, StateStopped, a.State())

	_, err = a.Malloc(16)
	assert.Error(t, err)
}

func TestAllocator_CacheShrinkInfoErrorByHandle(t *testing.T) {
	a := newTestAllocator(t, 256)

	h, err := a.CacheCreate("nodes", 48, nil, nil)
	require.NoError(t, err)

	obj, err := a.CacheAlloc(h)
	require.NoError(t, err)
	require.NoError(t, a.CacheFree(h, obj))

	freed, err := a.CacheShrink(h)
	require.NoError(t, err)
	assert.Equal(t, 1, freed)

	info, err := a.CacheInfo(h)
	require.NoError(t, err)
	assert.Equal(t, "nodes", info.Name)

	code, err := a.CacheError(h)
	require.NoError(t, err)
	assert.Equal(t, ErrNone, code)
}

func TestAllocator_SizesInfoErrorForUntouchedClass(t *testing.T) {
	a := newTestAllocator(t, 256)

	info, err := a.SizesInfo(0)
	require.NoError(t, err)
	assert.Equal(t, CacheInfo{}, info)

	code, err := a.SizesError(0)
	require.NoError(t, err)
	assert.Equal(t, ErrNone, code)
}

func TestAllocator_StatsReflectsRegisteredCaches(t *testing.T) {
	a := newTestAllocator(t, 256)

	_, err := a.CacheCreate("nodes", 48, nil, nil)
	require.NoError(t, err)

	stats := a.Stats()
	require.Len(t, stats.Caches, 1)
	assert.Equal(t, "nodes", stats.Caches[0].Name)
}
