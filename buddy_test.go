package kmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuddy(t *testing.T, blockNum int) *Buddy {
	t.Helper()
	b, err := NewBuddy(make([]byte, blockNum*64), 64, blockNum)
	require.NoError(t, err)
	return b
}

func TestNewBuddy_PowerOfTwo(t *testing.T) {
	b := newTestBuddy(t, 8) // 2^3
	stats := b.Stats()
	assert.Equal(t, 1, stats.FreePerOrder[3])
	for i, n := range stats.FreePerOrder {
		if i != 3 {
			assert.Zerof(t, n, "order %d should start empty", i)
		}
	}
}

func TestNewBuddy_NonPowerOfTwo(t *testing.T) {
	b := newTestBuddy(t, 11) // 1011b: orders 3, 1, 0
	stats := b.Stats()
	assert.Equal(t, 1, stats.FreePerOrder[3])
	assert.Equal(t, 1, stats.FreePerOrder[1])
	assert.Equal(t, 1, stats.FreePerOrder[0])
}

func TestNewBuddy_RejectsOversizedBlockCount(t *testing.T) {
	_, err := NewBuddy(make([]byte, 64), 64, maxBlockNum+1)
	assert.ErrorIs(t, err, ErrBlockCountTooLarge)
}

func TestBuddy_FindBuddy_RoundTrip(t *testing.T) {
	b := newTestBuddy(t, 16)
	for order := 0; order < 4; order++ {
		size := 1 << uint(order)
		for n := 0; n+size*2 <= 16; n += size * 2 {
			buddy := b.FindBuddy(n, order)
			require.GreaterOrEqual(t, buddy, 0)
			back := b.FindBuddy(buddy, order)
			assert.Equal(t, n, back)
		}
	}
}

func TestBuddy_FindBuddy_BadArgs(t *testing.T) {
	b := newTestBuddy(t, 8)
	assert.Equal(t, -1, b.FindBuddy(-1, 0))
	assert.Equal(t, -1, b.FindBuddy(0, N))
	assert.Equal(t, -1, b.FindBuddy(1, 1)) // misaligned: 1 is not a multiple of 2
}

func TestBuddy_FindBuddy_Straggler(t *testing.T) {
	b := newTestBuddy(t, 11) // order-0 chunk at block 10 has no buddy
	assert.Equal(t, -2, b.FindBuddy(10, 0))
}

func TestBuddy_AllocExactOrder(t *testing.T) {
	b := newTestBuddy(t, 8)
	n, err := b.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats := b.Stats()
	assert.Zero(t, stats.FreePerOrder[3])
}

func TestBuddy_AllocSplitsLargerChunk(t *testing.T) {
	b := newTestBuddy(t, 8)
	n, err := b.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats := b.Stats()
	assert.Equal(t, 1, stats.FreePerOrder[0]) // buddy of n=0
	assert.Equal(t, 1, stats.FreePerOrder[1])
	assert.Equal(t, 1, stats.FreePerOrder[2])
	assert.Zero(t, stats.FreePerOrder[3])
}

func TestBuddy_AllocOutOfMemory(t *testing.T) {
	b := newTestBuddy(t, 1)
	_, err := b.Alloc(0)
	require.NoError(t, err)
	_, err = b.Alloc(0)
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestBuddy_FreeCoalescesWithBuddy(t *testing.T) {
	b := newTestBuddy(t, 8)

	a1, err := b.Alloc(0)
	require.NoError(t, err)
	a2, err := b.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, a1+1, a2)

	require.NoError(t, b.Free(a1, 0))
	require.NoError(t, b.Free(a2, 0))

	// Coalescing all the way back up should restore the original single
	// order-3 free chunk.
	stats := b.Stats()
	assert.Equal(t, 1, stats.FreePerOrder[3])
	for i := 0; i < 3; i++ {
		assert.Zerof(t, stats.FreePerOrder[i], "order %d should be empty after full coalesce", i)
	}
}

func TestBuddy_FreeWithoutBuddyPresent(t *testing.T) {
	b := newTestBuddy(t, 8)
	n, err := b.Alloc(0)
	require.NoError(t, err)
	// Keep n's order-0 buddy allocated so the free cannot coalesce.
	_, err = b.Alloc(0)
	require.NoError(t, err)

	require.NoError(t, b.Free(n, 0))
	stats := b.Stats()
	assert.Equal(t, 1, stats.FreePerOrder[0])
}

func TestBuddy_OrderForBlocks_ZeroRoundsToOrderZero(t *testing.T) {
	order := orderForBlocks(0)
	assert.Equal(t, 0, order)
}

func TestBuddy_AllocByBytes(t *testing.T) {
	b := newTestBuddy(t, 8)
	idx, order, err := b.AllocByBytes(100) // 100 bytes -> 2 blocks of 64 -> order 1
	require.NoError(t, err)
	assert.Equal(t, 1, order)
	assert.GreaterOrEqual(t, idx, 0)
}

func TestBuddy_BlocksRounded(t *testing.T) {
	b := newTestBuddy(t, 8)
	assert.Equal(t, 1, b.BlocksRounded(1))
	assert.Equal(t, 2, b.BlocksRounded(65))
	assert.Equal(t, 4, b.BlocksRounded(3*64))
}

func TestBuddy_InvalidOrder(t *testing.T) {
	b := newTestBuddy(t, 8)
	_, err := b.Alloc(-1)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = b.Alloc(N)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}
