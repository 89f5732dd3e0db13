// Command kmemdemo exercises the allocator against a heap-backed arena:
// it boots an Allocator, registers a fixed-size cache, drives a burst of
// alloc/free traffic through both the cache API and the generic
// size-class Malloc/Free path, prints a stats snapshot, then shuts down.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/arenakit/kmem"
)

const (
	blockSize = 4096
	blockNum  = 512 // 2 MiB arena
)

func main() {
	arena := make([]byte, blockSize*blockNum)

	cfg := kmem.DefaultConfig()
	a, err := kmem.New(arena, blockSize, blockNum, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "boot failed:", err)
		os.Exit(1)
	}

	ctor := func(obj []byte) {
		for i := range obj {
			obj[i] = 0
		}
	}

	h, err := a.CacheCreate("nodes", 64, ctor, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cache create failed:", err)
		os.Exit(1)
	}

	const burst = 256
	objs := make([][]byte, 0, burst)
	for i := 0; i < burst; i++ {
		obj, err := a.CacheAlloc(h)
		if err != nil {
			fmt.Fprintln(os.Stderr, "alloc failed:", err)
			break
		}
		objs = append(objs, obj)
	}

	for i, obj := range objs {
		if i%2 == 0 {
			continue // leave half allocated to show partial occupancy
		}
		if err := a.CacheFree(h, obj); err != nil {
			fmt.Fprintln(os.Stderr, "free failed:", err)
		}
	}

	generic, err := a.Malloc(128)
	if err != nil {
		fmt.Fprintln(os.Stderr, "malloc failed:", err)
	} else if err := a.Free(generic); err != nil {
		fmt.Fprintln(os.Stderr, "free failed:", err)
	}

	if freed, err := a.CacheShrink(h); err != nil {
		fmt.Fprintln(os.Stderr, "shrink skipped:", err)
	} else {
		fmt.Printf("cache nodes shrank %d slab(s)\n", freed)
	}

	if info, err := a.CacheInfo(h); err == nil {
		fmt.Printf("cache %-10s slots=%d/%d (%.1f%%)\n",
			info.Name, info.SlotsOccupied, info.NumSlabs*info.SlotsPerSlab, info.PercentFull)
	}
	if code, err := a.CacheError(h); err == nil && code != kmem.ErrNone {
		fmt.Printf("cache nodes last_error=%s\n", code)
	}

	for _, info := range a.Stats().Caches {
		fmt.Printf("cache %-10s slots=%d/%d (%.1f%%) last_error=%s\n",
			info.Name, info.SlotsOccupied, info.NumSlabs*info.SlotsPerSlab, info.PercentFull, info.LastError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown failed:", err)
		os.Exit(1)
	}
}
