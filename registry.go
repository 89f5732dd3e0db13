package kmem

import (
	"fmt"
	"sync"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// numSizeClasses and sizeClassMin define the power-of-two size classes
// the registry creates on demand for generic Malloc requests: 13 classes
// of sizeClassMin * 2^k bytes, covering 32 B .. 128 KiB.
const (
	sizeClassMin   = 32
	numSizeClasses = 13 // 32 .. 131072 bytes
)

// Handle is an opaque reference to a registered cache. CacheDestroy nils
// the handle's target before releasing the cache, so a concurrent holder
// of the same handle can never observe a pointer to memory that has
// already been freed.
type Handle struct {
	c *Cache
}

// Valid reports whether the handle still refers to a live cache.
func (h Handle) Valid() bool { return h.c != nil }

// Registry is the global directory of caches backing the public facade.
// Caches are kept on a singly linked list (Cache.next) rather than a map;
// a handful of power-of-two size classes are created lazily to back
// generic Malloc/Free calls.
type Registry struct {
	mu sync.Mutex

	buddy *Buddy
	cfg   Config

	head *Cache // intrusive list of every registered cache; CacheDestroy unlinks

	sizeClasses [numSizeClasses]*Cache

	createLimiter *limiter.TokenBucket

	logger *Logger
}

// NewRegistry creates a registry over buddy. It does not eagerly create
// any caches: size classes are created lazily, the first time they're
// needed.
func NewRegistry(buddy *Buddy, cfg Config) (*Registry, error) {
	r := &Registry{
		buddy:  buddy,
		cfg:    cfg,
		logger: DefaultLogger("kmem.registry"),
	}

	if cfg.CacheCreateRate > 0 {
		st := store.NewMemoryStore(rateLimiterWindow)
		lim, err := limiter.NewTokenBucket(limiter.Config{
			Rate:     int64(cfg.CacheCreateRate),
			Duration: rateLimiterWindow,
			Burst:    int64(cfg.CacheCreateBurst),
		}, st)
		if err != nil {
			return nil, fmt.Errorf("kmem: constructing cache-create rate limiter: %w", err)
		}
		r.createLimiter = lim
	}

	return r, nil
}

// CacheCreate registers a new named cache for fixed-size objects,
// throttled by the registry's cache-creation rate limiter. Cache creation
// is a comparatively rare, administrative operation, so it is the one
// place worth protecting against a runaway creation loop.
func (r *Registry) CacheCreate(name string, size int, ctor Ctor, dtor Dtor) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createLimiter != nil && !r.createLimiter.Allow("cache_create") {
		return Handle{}, fmt.Errorf("kmem: cache creation rate limit exceeded")
	}

	c, err := NewCache(name, size, r.buddy, ctor, dtor, r.cfg)
	if err != nil {
		return Handle{}, err
	}
	r.pushLocked(c)
	return Handle{c: c}, nil
}

// CacheDestroy releases every slab owned by the cache behind h and
// removes it from the registry. The handle is nilled before the cache is
// torn down, not after, so a concurrent holder of the same Handle value
// can never observe a live pointer to memory that's already been freed.
func (r *Registry) CacheDestroy(h *Handle) error {
	if h == nil || h.c == nil {
		return ErrNilHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := h.c
	h.c = nil

	r.removeLocked(c)
	return c.Destroy()
}

// CacheAlloc allocates one object from the cache behind h.
func (r *Registry) CacheAlloc(h Handle) ([]byte, error) {
	if h.c == nil {
		return nil, ErrNilHandle
	}
	return h.c.Alloc()
}

// CacheFree returns obj to the cache behind h.
func (r *Registry) CacheFree(h Handle, obj []byte) error {
	if h.c == nil {
		return ErrNilHandle
	}
	return h.c.Free(obj)
}

// CacheShrink releases every free slab owned by the cache behind h back
// to the buddy engine. See Cache.Shrink for the shrink-hysteresis
// behaviour this defers to.
func (r *Registry) CacheShrink(h Handle) (int, error) {
	if h.c == nil {
		return 0, ErrNilHandle
	}
	return h.c.Shrink()
}

// CacheInfo returns a snapshot of the cache behind h's current slab
// occupancy.
func (r *Registry) CacheInfo(h Handle) (CacheInfo, error) {
	if h.c == nil {
		return CacheInfo{}, ErrNilHandle
	}
	return h.c.Info(), nil
}

// CacheError returns the most recent error code recorded against the
// cache behind h.
func (r *Registry) CacheError(h Handle) (ErrorCode, error) {
	if h.c == nil {
		return ErrNone, ErrNilHandle
	}
	return h.c.LastError(), nil
}

// SizesInfo returns a snapshot of size-class i's cache occupancy. A
// size-class that has never been touched by Malloc has no cache yet;
// SizesInfo reports a zero-value CacheInfo for it rather than an error,
// since that is a legitimate state for a lazily created size class.
func (r *Registry) SizesInfo(i int) (CacheInfo, error) {
	r.mu.Lock()
	if i < 0 || i >= numSizeClasses {
		r.mu.Unlock()
		return CacheInfo{}, fmt.Errorf("kmem: size-class index %d out of range [0,%d)", i, numSizeClasses)
	}
	c := r.sizeClasses[i]
	r.mu.Unlock()

	if c == nil {
		return CacheInfo{}, nil
	}
	return c.Info(), nil
}

// SizesError returns the most recent error code recorded against
// size-class i's cache, or ErrNone if that size-class has no cache yet.
func (r *Registry) SizesError(i int) (ErrorCode, error) {
	r.mu.Lock()
	if i < 0 || i >= numSizeClasses {
		r.mu.Unlock()
		return ErrNone, fmt.Errorf("kmem: size-class index %d out of range [0,%d)", i, numSizeClasses)
	}
	c := r.sizeClasses[i]
	r.mu.Unlock()

	if c == nil {
		return ErrNone, nil
	}
	return c.LastError(), nil
}

// Malloc satisfies a generic, untyped allocation by routing to the
// smallest power-of-two size class that fits size, creating that class's
// cache on first use.
func (r *Registry) Malloc(size int) ([]byte, error) {
	classSize, idx, err := sizeClassFor(size)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	c := r.sizeClasses[idx]
	if c == nil {
		var err error
		c, err = NewCache(fmt.Sprintf("size-%d", classSize), classSize, r.buddy, nil, nil, r.cfg)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.sizeClasses[idx] = c
		r.pushLocked(c)
	}
	r.mu.Unlock()

	return c.Alloc()
}

// Free releases a pointer previously returned by Malloc (or CacheAlloc),
// without requiring the caller to remember which cache produced it. It
// scans every registered cache, using each cache's address filter to skip
// the ones that provably can't own obj, and shrinks the owning cache
// immediately on a hit.
func (r *Registry) Free(obj []byte) error {
	r.mu.Lock()
	c := r.head
	r.mu.Unlock()

	for ; c != nil; c = c.next {
		if !c.Owns(obj) {
			continue
		}
		if err := c.Free(obj); err != nil {
			continue
		}
		if _, err := c.Shrink(); err != nil {
			// ErrShrinkingAvoided is expected and not worth surfacing to
			// the caller: the free itself already succeeded.
			r.logger.Debug("shrink skipped after free", String("cache", c.Name()), Err(err))
		}
		return nil
	}
	return fmt.Errorf("kmem: no registered cache owns this pointer")
}

func sizeClassFor(size int) (classSize, index int, err error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("kmem: malloc size must be positive, got %d", size)
	}
	classSize = sizeClassMin
	for i := 0; i < numSizeClasses; i++ {
		if size <= classSize {
			return classSize, i, nil
		}
		classSize *= 2
	}
	return 0, 0, ErrSizeTooLarge
}

func (r *Registry) pushLocked(c *Cache) {
	c.next = r.head
	r.head = c
}

func (r *Registry) removeLocked(target *Cache) {
	if r.head == target {
		r.head = target.next
		target.next = nil
		return
	}
	for c := r.head; c != nil; c = c.next {
		if c.next == target {
			c.next = target.next
			target.next = nil
			return
		}
	}
}

// destroyAll tears down every registered cache, collecting and returning
// the first error encountered (if any) after attempting all of them, so
// one wedged cache doesn't prevent the rest from releasing their slabs.
func (r *Registry) destroyAll() error {
	r.mu.Lock()
	caches := make([]*Cache, 0)
	for c := r.head; c != nil; c = c.next {
		caches = append(caches, c)
	}
	r.head = nil
	for i := range r.sizeClasses {
		r.sizeClasses[i] = nil
	}
	r.mu.Unlock()

	var firstErr error
	for _, c := range caches {
		if err := c.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RegistryStats summarizes every cache the registry currently tracks.
type RegistryStats struct {
	NumCaches int
	Caches    []CacheInfo
}

// Stats snapshots every registered cache's Info.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s RegistryStats
	for c := r.head; c != nil; c = c.next {
		s.Caches = append(s.Caches, c.Info())
	}
	s.NumCaches = len(s.Caches)
	return s
}
