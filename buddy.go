package kmem

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// N is the number of buddy orders the engine supports. An arena may hold
// at most 2^N - 1 blocks; order i covers chunks of 2^i contiguous blocks.
const N = 10

// maxBlockNum is the largest block count Init will accept.
const maxBlockNum = (1 << N) - 1

const noChunk int32 = -1 // empty free-list head / "no next" sentinel.

// Buddy is a power-of-two block allocator. It manages an arena as a fixed
// number of BlockSize-byte blocks and keeps a singly linked free list per
// order, threaded intrusively through the first 4 bytes of each free
// chunk, so growing or shrinking the free lists never needs an auxiliary
// bookkeeping allocation of its own.
type Buddy struct {
	mu sync.Mutex

	arena     []byte
	blockSize int
	blockNum  int

	free [N]int32 // free[i] = index of the head chunk of order i, or noChunk

	logger *Logger
}

// NewBuddy creates a Buddy engine over arena, dividing it into blockNum
// blocks of blockSize bytes each. blockNum must be in [0, 2^N). The arena
// must be at least blockNum*blockSize bytes; acquiring it (mmap, a pinned
// slice, shared memory, ...) is the caller's responsibility.
func NewBuddy(arena []byte, blockSize, blockNum int) (*Buddy, error) {
	if blockNum < 0 || blockNum > maxBlockNum {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrBlockCountTooLarge, blockNum, maxBlockNum)
	}
	if blockSize < 4 {
		return nil, fmt.Errorf("kmem: block size %d too small to hold a free-list link", blockSize)
	}
	if len(arena) < blockNum*blockSize {
		return nil, fmt.Errorf("kmem: arena of %d bytes too small for %d blocks of %d bytes", len(arena), blockNum, blockSize)
	}

	b := &Buddy{
		arena:     arena,
		blockSize: blockSize,
		blockNum:  blockNum,
		logger:    DefaultLogger("kmem.buddy"),
	}
	for i := range b.free {
		b.free[i] = noChunk
	}

	// Decompose block_num into its binary representation and seed
	// free[i] with one chunk of 2^i blocks for each set bit, placed in
	// decreasing order of i and contiguous in the arena.
	offset := 0
	for i := N - 1; i >= 0; i-- {
		size := 1 << uint(i)
		if blockNum&size != 0 {
			b.free[i] = int32(offset)
			b.writeLink(offset, noChunk)
			offset += size
		}
	}
	return b, nil
}

// block returns the byte slice backing block n, or nil if n is out of
// range.
func (b *Buddy) block(n int) []byte {
	if n < 0 || n >= b.blockNum {
		return nil
	}
	start := n * b.blockSize
	return b.arena[start : start+b.blockSize]
}

func (b *Buddy) readLink(n int) int32 {
	return int32(binary.LittleEndian.Uint32(b.block(n)[:4]))
}

func (b *Buddy) writeLink(n int, v int32) {
	binary.LittleEndian.PutUint32(b.block(n)[:4], uint32(v))
}

// FindBuddy returns the block index of the buddy of the 2^i-block chunk
// starting at block n, or a negative sentinel on failure: -1 if n or i is
// out of range or n is misaligned to 2^i, -2 if n has no buddy because the
// arena is not a full power of two.
func (b *Buddy) FindBuddy(n, i int) int {
	if n < 0 || n >= b.blockNum || i < 0 || i >= N {
		return -1
	}
	size := 1 << uint(i)
	if n%size != 0 {
		return -1
	}
	chunkPos := n / size
	if chunkPos%2 == 0 {
		if n+size*2 > b.blockNum {
			return -2
		}
		return n + size
	}
	if n+size > b.blockNum {
		return -2
	}
	return n - size
}

// Alloc returns the block index of a freshly allocated 2^order-block
// chunk, splitting a larger free chunk if no exact match exists. It
// returns an error if order is out of range or the arena is out of
// memory.
func (b *Buddy) Alloc(order int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocLocked(order)
}

func (b *Buddy) allocLocked(order int) (int, error) {
	if order < 0 || order >= N {
		return 0, ErrInvalidOrder
	}

	if b.free[order] != noChunk {
		n := int(b.free[order])
		b.free[order] = b.readLink(n)
		return n, nil
	}

	// Find the smallest larger order with a free chunk and split it down.
	for j := order + 1; j < N; j++ {
		if b.free[j] == noChunk {
			continue
		}
		seg1 := int(b.free[j])
		seg2 := seg1 + (1 << uint(j-1))

		// Remove seg1 from free[j].
		b.free[j] = b.readLink(seg1)

		// Push the upper half then the lower half onto free[j-1], so the
		// lower half is consumed first on retry.
		b.writeLink(seg2, b.free[j-1])
		b.writeLink(seg1, seg2)
		b.free[j-1] = int32(seg1)

		return b.allocLocked(order)
	}

	return 0, ErrNoMemory
}

// Free returns the 2^order-block chunk starting at block n to the free
// list, coalescing with its buddy when possible: a linear scan of
// free[order] looks for the buddy, unlinking and recursing at order+1 on
// a hit, or just pushing n onto free[order] on a miss.
func (b *Buddy) Free(n, order int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeLocked(n, order)
}

func (b *Buddy) freeLocked(n, order int) error {
	if order < 0 || order >= N {
		return ErrInvalidOrder
	}
	if b.block(n) == nil {
		return ErrInvalidBlockIndex
	}

	nb := b.FindBuddy(n, order)
	if nb == -1 {
		return fmt.Errorf("kmem: block %d misaligned for order %d", n, order)
	}

	if nb == -2 {
		// No buddy exists at all (arena not a full power of two): just
		// re-insert n.
		b.writeLink(n, b.free[order])
		b.free[order] = int32(n)
		return nil
	}

	prev := int32(noChunk)
	cur := b.free[order]
	for cur != noChunk && cur != int32(nb) {
		prev = cur
		cur = b.readLink(int(cur))
	}

	if cur == noChunk {
		// Buddy not free: just add n.
		b.writeLink(n, b.free[order])
		b.free[order] = int32(n)
		return nil
	}

	// Buddy found free: unlink it from free[order].
	next := b.readLink(int(cur))
	if prev != noChunk {
		b.writeLink(int(prev), next)
	} else {
		b.free[order] = next
	}

	nm := n
	if nb < n {
		nm = nb
	}
	if order >= N-1 {
		// Should never happen: coalescing stops at order N-1.
		return fmt.Errorf("kmem: buddy corruption: coalesce overflowed past order %d", N-1)
	}
	return b.freeLocked(nm, order+1)
}

// AllocByBlocks rounds blocks up to the next power of two and allocates
// that many blocks. A block count of 0 or less is rejected with an error
// rather than rounded to order 0.
func (b *Buddy) AllocByBlocks(blocks int) (index, order int, err error) {
	if blocks <= 0 {
		return 0, 0, fmt.Errorf("kmem: block count must be positive, got %d", blocks)
	}
	order = orderForBlocks(blocks)
	index, err = b.Alloc(order)
	return index, order, err
}

// AllocByBytes rounds bytes up to whole blocks, then up to a power of two,
// and allocates that many blocks.
func (b *Buddy) AllocByBytes(bytes int) (index, order int, err error) {
	if bytes <= 0 {
		return 0, 0, fmt.Errorf("kmem: byte count must be positive, got %d", bytes)
	}
	blocks := (bytes + b.blockSize - 1) / b.blockSize
	return b.AllocByBlocks(blocks)
}

// BlocksRounded returns the number of blocks a bytes-sized request rounds
// up to once expressed as a power of two.
func (b *Buddy) BlocksRounded(bytes int) int {
	blocks := (bytes + b.blockSize - 1) / b.blockSize
	n := 1
	for n < blocks {
		n *= 2
	}
	return n
}

// FreeByBlocks frees a chunk given its starting block index and size in
// blocks rather than an order. It is a convenience used when tearing down
// a slab, whose size is naturally expressed in blocks.
func (b *Buddy) FreeByBlocks(n, blocks int) error {
	return b.Free(n, orderForBlocks(blocks))
}

func orderForBlocks(blocks int) int {
	order := 0
	for n := 1; n < blocks; n *= 2 {
		order++
	}
	return order
}

// BlockSize returns the arena's fixed block size in bytes.
func (b *Buddy) BlockSize() int { return b.blockSize }

// BlockNum returns the total number of blocks managed by this engine.
func (b *Buddy) BlockNum() int { return b.blockNum }

// Block returns the byte slice backing block n, or nil if out of range.
func (b *Buddy) Block(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block(n)
}

// BuddyStats reports free-list occupancy per order.
type BuddyStats struct {
	BlockSize    int
	BlockNum     int
	FreePerOrder [N]int
}

// Stats returns a point-in-time snapshot of free-list occupancy.
func (b *Buddy) Stats() BuddyStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BuddyStats{BlockSize: b.blockSize, BlockNum: b.blockNum}
	for i := 0; i < N; i++ {
		count := 0
		cur := b.free[i]
		for cur != noChunk {
			count++
			cur = b.readLink(int(cur))
		}
		s.FreePerOrder[i] = count
	}
	return s
}
