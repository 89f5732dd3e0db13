package kmem

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// cacheL1LineSize is the target machine's L1 cache line size in bytes.
// A slab's colour offset is always a multiple of this, so that the same
// slot index in different slabs of a cache starts at a different L1 set.
const cacheL1LineSize = 64

// bloomExpectedItems and bloomFalsePositiveRate size the per-cache
// address filter used to short-circuit the registry's generic free path
// (see registry.go's Free). The filter only ever needs to answer "could
// this cache own this pointer"; a false positive just falls through to
// the real slab scan, so a modest rate is fine.
const (
	bloomExpectedItems     = 4096
	bloomFalsePositiveRate = 0.01
)

// Cache is a slab-backed allocator for one fixed object size, with full,
// partial, and free slab lists and constructor/destructor hooks.
//
// A cache's alloc/shrink/destroy paths nest: shrinking a cache tears down
// slabs while the cache's own lock is already held. Go has no stdlib
// recursive mutex, so rather than build one, every exported method locks
// once and funnels anything that would otherwise recurse through
// unexported *Locked helpers that assume the lock is already held.
type Cache struct {
	mu sync.Mutex

	id   uuid.UUID
	name string

	slotSize     int
	order        int // buddy order backing each slab
	slotsPerSlab int

	// alignments is the number of distinct cache-line-aligned colour
	// offsets a slab of this geometry has room for; currentAlignment is
	// the index (not byte offset) handed to the next slab created.
	alignments       int
	currentAlignment int

	full, partial, free *Slab
	numSlabs            int

	ctor Ctor
	dtor Dtor

	buddy *Buddy

	lastError ErrorCode

	// shrink hysteresis: Shrink is skipped while
	// slabAllocatedSinceLastShrink is set; shrinkDone records that a shrink
	// has run and no slab has been grown since. growSlabLocked updates both.
	slabAllocatedSinceLastShrink bool
	shrinkDone                   bool

	growBreaker *gobreaker.CircuitBreaker

	addrFilter *bloom.BloomFilter

	logger *Logger

	next *Cache // intrusive link for the registry's cache list
}

// CacheInfo is a point-in-time snapshot of a cache's slab occupancy.
// PercentFull is slots occupied over total slab capacity, not over slabs
// allocated.
type CacheInfo struct {
	Name          string
	SlotSize      int
	NumSlabs      int
	SlotsPerSlab  int
	SlotsOccupied int
	PercentFull   float64
	LastError     ErrorCode
}

// NewCache creates a cache for fixed-size objects of slotSize bytes,
// growing slabs from buddy as needed. ctor and dtor may each be nil.
func NewCache(name string, slotSize int, buddy *Buddy, ctor Ctor, dtor Dtor, cfg Config) (*Cache, error) {
	if len(name) >= NameLength {
		return nil, ErrNameTooLong
	}
	if slotSize <= 0 {
		return nil, fmt.Errorf("kmem: slot size must be positive, got %d", slotSize)
	}

	order, slotsPerSlab := optimalSlabGeometry(buddy.BlockSize(), slotSize)
	chunkBytes := (1 << uint(order)) * buddy.BlockSize()
	unused := chunkBytes - slabHeaderOverhead - slotsPerSlab*(slotSize+bufctlSize)
	if unused < 0 {
		unused = 0
	}
	alignments := unused / cacheL1LineSize

	c := &Cache{
		id:           uuid.New(),
		name:         name,
		slotSize:     slotSize,
		order:        order,
		slotsPerSlab: slotsPerSlab,
		alignments:   alignments,
		ctor:         ctor,
		dtor:         dtor,
		buddy:        buddy,
		logger:       DefaultLogger("kmem.cache").With(name),
	}

	if cfg.EnableShrinkBreaker {
		c.growBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cache-grow-" + name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     2 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	if cfg.EnableBloomFastPath {
		c.addrFilter = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositiveRate)
	}

	return c, nil
}

// NameLength bounds cache names: a name must be at most NameLength-1
// bytes, leaving room for a trailing NUL the way the original C struct's
// fixed char[NAME_LENGTH] field does.
const NameLength = 20

// Name returns the cache's name.
func (c *Cache) Name() string { return c.name }

// SlotSize returns the fixed object size this cache allocates.
func (c *Cache) SlotSize() int { return c.slotSize }

// Alloc returns a new object, growing a slab if no partially-used or free
// slab is available.
func (c *Cache) Alloc() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.partial == nil && c.free == nil {
		if err := c.growSlabLocked(); err != nil {
			c.lastError = ErrNoMemory
			return nil, err
		}
	}

	if c.partial == nil {
		// A free slab exists but hasn't been promoted to partial yet:
		// promote the first one now that we're about to hand out a slot.
		s := c.free
		c.removeLocked(&c.free, s)
		c.pushFrontLocked(&c.partial, s)
	}

	s := c.partial
	obj, ok := s.Alloc(c.ctor)
	if !ok {
		// Shouldn't happen: a slab only stays on the partial list while
		// it has free slots.
		return nil, fmt.Errorf("kmem: cache %q: partial slab reported full", c.name)
	}

	if c.addrFilter != nil {
		c.addrFilter.Add(addrKey(obj))
	}

	if s.Full() {
		c.removeLocked(&c.partial, s)
		c.pushFrontLocked(&c.full, s)
	}

	return obj, nil
}

// Free returns obj to its owning slab. A failed lookup sets the cache's
// error slot to ErrFreeingObject rather than panicking.
func (c *Cache) Free(obj []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeLocked(obj)
}

func (c *Cache) freeLocked(obj []byte) error {
	s := c.findSlabLocked(obj)
	if s == nil {
		c.lastError = ErrFreeingObject
		return fmt.Errorf("kmem: cache %q: %w", c.name, ErrFreeingObject)
	}

	wasFull := s.Full()
	if err := s.Free(obj); err != nil {
		c.lastError = ErrFreeingObject
		return err
	}

	if wasFull {
		c.removeLocked(&c.full, s)
		c.pushFrontLocked(&c.partial, s)
	}
	if s.Empty() {
		c.removeLocked(&c.partial, s)
		c.pushFrontLocked(&c.free, s)
	}
	return nil
}

// Owns reports whether obj could plausibly belong to this cache, using
// the address filter as a fast negative when enabled. A false result is
// certain; a true result still requires the caller to attempt Free.
func (c *Cache) Owns(obj []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addrFilter == nil {
		return true
	}
	return c.addrFilter.Test(addrKey(obj))
}

// addrKey encodes the address of obj's first byte as the address filter's
// key, so the filter answers for the slot and not for its contents.
func addrKey(obj []byte) []byte {
	if len(obj) == 0 {
		return nil
	}
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], uint64(uintptr(unsafe.Pointer(&obj[0]))))
	return k[:]
}

func (c *Cache) findSlabLocked(obj []byte) *Slab {
	for s := c.full; s != nil; s = s.next {
		if _, err := s.slotIndex(obj); err == nil {
			return s
		}
	}
	for s := c.partial; s != nil; s = s.next {
		if _, err := s.slotIndex(obj); err == nil {
			return s
		}
	}
	return nil
}

// growSlabLocked allocates a new slab from the buddy engine and adds it
// to the free list, rotating the slab colour. Repeated out-of-memory
// attempts trip a circuit breaker (when enabled) so a cache pinned
// against an exhausted arena fails fast instead of re-walking the buddy
// free lists on every Alloc.
func (c *Cache) growSlabLocked() error {
	colourOff := c.currentAlignment * cacheL1LineSize
	grow := func() (*Slab, error) {
		return newSlab(c.buddy, c.order, c.slotSize, c.slotsPerSlab, colourOff)
	}

	var s *Slab
	var err error
	if c.growBreaker != nil {
		var res interface{}
		res, err = c.growBreaker.Execute(func() (interface{}, error) {
			return grow()
		})
		if err == nil {
			s = res.(*Slab)
		}
	} else {
		s, err = grow()
	}
	if err != nil {
		return err
	}

	if c.alignments > 0 {
		c.currentAlignment = (c.currentAlignment + 1) % c.alignments
	}

	c.pushFrontLocked(&c.free, s)
	c.numSlabs++

	// Shrink hysteresis update, reproduced exactly from the original:
	// growing a slab right after a successful shrink records that growth
	// happened; growing again without an intervening shrink clears both
	// flags instead of leaving the growth flag set. That second case is a
	// known anomaly (spec.md §9 / SPEC_FULL.md §5.2): it lets an
	// immediate further Shrink succeed despite two slabs having grown
	// since the last one, and is kept as specified rather than "fixed".
	if c.shrinkDone {
		c.slabAllocatedSinceLastShrink = true
		c.shrinkDone = false
	} else if c.slabAllocatedSinceLastShrink {
		c.shrinkDone = false
		c.slabAllocatedSinceLastShrink = false
	}
	return nil
}

// Shrink releases every slab on the free list back to the buddy engine.
// It does nothing, and reports ErrShrinkingAvoided, while the
// grown-since-last-shrink flag is set, which is the case when exactly one
// slab has been grown since the last successful shrink (growSlabLocked
// describes the flag updates). This hysteresis keeps a
// cache from repeatedly tearing down and rebuilding the same slab under
// alloc/free churn at the boundary of its working set.
func (c *Cache) Shrink() (freed int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shrinkLocked()
}

func (c *Cache) shrinkLocked() (int, error) {
	if c.slabAllocatedSinceLastShrink {
		c.lastError = ErrShrinkingAvoided
		return 0, fmt.Errorf("kmem: cache %q: %w", c.name, ErrShrinkingAvoided)
	}

	freed := 0
	for c.free != nil {
		s := c.free
		c.removeLocked(&c.free, s)
		if err := s.destroy(c.buddy, c.dtor); err != nil {
			c.lastError = ErrDeletingSlab
			return freed, err
		}
		c.numSlabs--
		freed++
	}

	c.shrinkDone = true
	return freed, nil
}

// Destroy tears down every slab the cache owns, including partially and
// fully occupied ones, and releases all of their backing chunks.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, head := range []**Slab{&c.full, &c.partial, &c.free} {
		for *head != nil {
			s := *head
			c.removeLocked(head, s)
			if err := s.destroy(c.buddy, c.dtor); err != nil {
				c.lastError = ErrDeletingSlab
				return err
			}
			c.numSlabs--
		}
	}
	return nil
}

// Info returns a snapshot of the cache's current slab occupancy.
func (c *Cache) Info() CacheInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	occupied := 0
	for _, head := range []*Slab{c.full, c.partial} {
		for s := head; s != nil; s = s.next {
			occupied += s.inUse
		}
	}

	var percent float64
	if capacity := c.numSlabs * c.slotsPerSlab; capacity > 0 {
		percent = float64(occupied) / float64(capacity) * 100
	}

	return CacheInfo{
		Name:          c.name,
		SlotSize:      c.slotSize,
		NumSlabs:      c.numSlabs,
		SlotsPerSlab:  c.slotsPerSlab,
		SlotsOccupied: occupied,
		PercentFull:   percent,
		LastError:     c.lastError,
	}
}

// LastError returns the most recent error code recorded against this
// cache.
func (c *Cache) LastError() ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Cache) pushFrontLocked(head **Slab, s *Slab) {
	s.prev = nil
	s.next = *head
	if *head != nil {
		(*head).prev = s
	}
	*head = s
}

func (c *Cache) removeLocked(head **Slab, s *Slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		*head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
}
