package kmem

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of an Allocator.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Allocator is the public entry point: a fixed-arena memory manager
// combining a Buddy block engine with a Registry of slab caches built on
// top of it. An out-of-range block count or a failed registry
// construction is surfaced as a BootstrapError logged through
// Logger.FatalBootstrap, which exits the process, rather than returned as
// a recoverable error.
type Allocator struct {
	state atomic.Int32

	buddy    *Buddy
	registry *Registry
	cfg      Config
	logger   *Logger
}

// New creates an Allocator over a freshly acquired arena, dividing it into
// blockNum blocks of blockSize bytes. Acquiring the arena itself (mmap,
// a pinned slice, shared memory, ...) is the caller's responsibility;
// this package only manages an arena already in hand.
func New(arena []byte, blockSize, blockNum int, cfg Config) (*Allocator, error) {
	logger := NewLogger("kmem", cfg.LogLevel)

	buddy, err := NewBuddy(arena, blockSize, blockNum)
	if err != nil {
		if errors.Is(err, ErrBlockCountTooLarge) {
			be := newBootstrapError(ExitBlockCountOutOfRange, err.Error())
			logger.FatalBootstrap(be)
			return nil, be
		}
		return nil, err
	}

	registry, err := NewRegistry(buddy, cfg)
	if err != nil {
		be := newBootstrapError(ExitCacheForCachesFailed, err.Error())
		logger.FatalBootstrap(be)
		return nil, be
	}

	a := &Allocator{
		buddy:    buddy,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	a.state.Store(int32(StateReady))
	logger.Info("allocator ready", Int("block_size", blockSize), Int("block_num", blockNum))
	return a, nil
}

// State returns the allocator's current lifecycle state.
func (a *Allocator) State() State { return State(a.state.Load()) }

// CacheCreate registers a new fixed-size cache, backed by objects
// constructed/destructed with ctor/dtor (either may be nil).
func (a *Allocator) CacheCreate(name string, size int, ctor Ctor, dtor Dtor) (Handle, error) {
	if a.State() != StateReady {
		return Handle{}, fmt.Errorf("kmem: allocator is %s, not ready", a.State())
	}
	return a.registry.CacheCreate(name, size, ctor, dtor)
}

// CacheDestroy tears down a cache created with CacheCreate.
func (a *Allocator) CacheDestroy(h *Handle) error {
	return a.registry.CacheDestroy(h)
}

// CacheAlloc allocates one object from the cache behind h.
func (a *Allocator) CacheAlloc(h Handle) ([]byte, error) {
	return a.registry.CacheAlloc(h)
}

// CacheFree returns obj to the cache behind h.
func (a *Allocator) CacheFree(h Handle, obj []byte) error {
	return a.registry.CacheFree(h, obj)
}

// CacheShrink releases every free slab owned by the cache behind h back
// to the buddy engine.
func (a *Allocator) CacheShrink(h Handle) (int, error) {
	return a.registry.CacheShrink(h)
}

// CacheInfo returns a snapshot of the cache behind h's current slab
// occupancy.
func (a *Allocator) CacheInfo(h Handle) (CacheInfo, error) {
	return a.registry.CacheInfo(h)
}

// CacheError returns the most recent error code recorded against the
// cache behind h.
func (a *Allocator) CacheError(h Handle) (ErrorCode, error) {
	return a.registry.CacheError(h)
}

// SizesInfo returns a snapshot of size-class i's cache occupancy.
func (a *Allocator) SizesInfo(i int) (CacheInfo, error) {
	return a.registry.SizesInfo(i)
}

// SizesError returns the most recent error code recorded against
// size-class i's cache.
func (a *Allocator) SizesError(i int) (ErrorCode, error) {
	return a.registry.SizesError(i)
}

// Malloc satisfies a generic allocation request of size bytes, routed
// through the registry's size-class caches.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	if a.State() != StateReady {
		return nil, fmt.Errorf("kmem: allocator is %s, not ready", a.State())
	}
	return a.registry.Malloc(size)
}

// Free releases a pointer returned by Malloc (or CacheAlloc) without
// requiring the caller to track which cache produced it.
func (a *Allocator) Free(obj []byte) error {
	return a.registry.Free(obj)
}

// Stats snapshots every registered cache.
func (a *Allocator) Stats() RegistryStats {
	return a.registry.Stats()
}

// BuddyStats snapshots the underlying buddy engine's free-list occupancy.
func (a *Allocator) BuddyStats() BuddyStats {
	return a.buddy.Stats()
}

// Shutdown transitions the allocator out of service, destroying every
// registered cache so their slabs are returned to the buddy engine. It
// runs teardown under a caller-supplied deadline, reporting a timeout
// instead of blocking indefinitely on a wedged cache.
func (a *Allocator) Shutdown(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateReady), int32(StateShuttingDown)) {
		return fmt.Errorf("kmem: allocator is %s, cannot shut down", a.State())
	}

	done := make(chan error, 1)
	go func() {
		done <- a.registry.destroyAll()
	}()

	select {
	case err := <-done:
		a.state.Store(int32(StateStopped))
		if err != nil {
			a.logger.Error("shutdown completed with errors", Err(err))
			return err
		}
		a.logger.Info("allocator shut down")
		return nil
	case <-ctx.Done():
		a.logger.Error("shutdown deadline exceeded", Err(ctx.Err()))
		return fmt.Errorf("kmem: shutdown: %w", ctx.Err())
	}
}

// defaultShutdownTimeout bounds ShutdownDefault's deadline.
const defaultShutdownTimeout = 10 * time.Second

// ShutdownDefault calls Shutdown with defaultShutdownTimeout, for callers
// that don't need control over the deadline.
func (a *Allocator) ShutdownDefault() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return a.Shutdown(ctx)
}
