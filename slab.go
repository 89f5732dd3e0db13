package kmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// maxOptimalOrder bounds the search optimalSlabGeometry performs before
// settling for the best ratio seen so far. It is pinned to the buddy
// engine's largest order so that even the biggest size class can always
// find a chunk with room for at least one slot.
const maxOptimalOrder = N - 1

// slabHeaderOverhead is the byte range reserved at the front of every
// slab's chunk, mirroring the original's placement-new'd Slab header
// (sizeof(Slab) in kod/slab class.cpp). Go's own Slab struct still lives
// on the heap rather than in this region - there is no portable way to
// placement-new a Go struct into a byte slice - but the bytes are still
// reserved and excluded from slot geometry, so the accounting matches
// the original's bufctl/object layout exactly.
const slabHeaderOverhead = 64

// bufctlSize is the width of one intrusive bufctl record written into
// the arena: a 4-byte little-endian next-free-slot index (-1 = none)
// followed by a 1-byte initialized flag, padded to a round width.
const bufctlSize = 8

// Ctor and Dtor are the object constructor/destructor hooks a cache may
// register. Ctor runs the first time a given slot is ever handed out;
// Dtor runs only when the slab backing it is torn down, never on a
// per-object Free, so a slot's constructed state survives free/alloc
// cycles and a subsequent alloc of the same slot can skip reconstruction.
type Ctor func(obj []byte)
type Dtor func(obj []byte)

// optimalSlabGeometry picks the smallest buddy order whose chunk wastes
// at most 1/8 of its bytes on slotSize-sized objects plus their bufctls,
// tracking the best-ratio order seen in case no order meets the
// threshold within maxOptimalOrder. This mirrors
// Slab::optimalNumOfSlotsPerSlab's space_required = numOfSlots *
// (slotSize + sizeof(bufctl)) + sizeof(Slab) accounting exactly.
func optimalSlabGeometry(blockSize, slotSize int) (order, slotsPerSlab int) {
	bestOrder, bestSlots := 0, 0
	bestRatio := 0.0
	perSlotCost := slotSize + bufctlSize

	for i := 0; i <= maxOptimalOrder; i++ {
		chunkBytes := (1 << uint(i)) * blockSize
		available := chunkBytes - slabHeaderOverhead
		if available <= 0 {
			continue
		}
		slots := available / perSlotCost
		if slots <= 0 {
			continue
		}
		remaining := available - slots*perSlotCost
		if remaining == 0 {
			return i, slots
		}
		ratio := float64(available) / float64(remaining)
		if ratio >= 8 {
			return i, slots
		}
		if ratio > bestRatio {
			bestRatio, bestOrder, bestSlots = ratio, i, slots
		}
	}
	if bestSlots == 0 {
		// Object doesn't fit even in the largest candidate chunk: fall
		// back to one slot per slab at the largest order tried.
		return maxOptimalOrder, 1
	}
	return bestOrder, bestSlots
}

// Slab is one buddy-backed chunk subdivided into fixed-size object slots
// for a single Cache. The chunk is laid out as: slabHeaderOverhead bytes
// reserved, then a numSlots-long array of intrusive bufctl records, then
// an optional cache-line colour offset, then the object slots
// themselves. Free slots are threaded through that bufctl array directly
// in the arena - the slab carries no auxiliary Go-heap free list or
// constructed-bit slice - the same way Buddy threads its own free lists
// through readLink/writeLink on the raw block bytes.
type Slab struct {
	buddyIndex int // backing chunk's starting block index
	order      int // backing chunk's buddy order
	mem        []byte

	slotSize     int
	numSlots     int
	bufctlsStart int // offset of the bufctl array within mem
	objectStart  int // offset of the first object slot within mem

	freeHead int32 // index of first free slot, or -1
	inUse    int

	next, prev *Slab // intrusive links for the cache's slab lists
}

// newSlab carves a fresh slab out of a buddy-allocated chunk. colourOff
// shifts the object area's start within the chunk (after the bufctl
// array) to spread cache-line collisions across slabs of the same size
// class.
func newSlab(b *Buddy, order, slotSize, numSlots, colourOff int) (*Slab, error) {
	idx, err := b.Alloc(order)
	if err != nil {
		return nil, err
	}
	chunkBytes := (1 << uint(order)) * b.BlockSize()
	start := idx * b.BlockSize()
	mem := b.arena[start : start+chunkBytes]

	bufctlsStart := slabHeaderOverhead
	objectStart := bufctlsStart + numSlots*bufctlSize + colourOff

	if objectStart+numSlots*slotSize > len(mem) {
		// Geometry shouldn't let this happen; guard rather than silently
		// corrupt neighboring chunks.
		if rerr := b.Free(idx, order); rerr != nil {
			return nil, fmt.Errorf("kmem: slab geometry overflow, and rollback free failed: %w", rerr)
		}
		return nil, fmt.Errorf("kmem: slab geometry overflow: header %d + %d bufctls * %d bytes + colour %d + %d slots * %d bytes > chunk %d bytes",
			slabHeaderOverhead, numSlots, bufctlSize, colourOff, numSlots, slotSize, len(mem))
	}

	s := &Slab{
		buddyIndex:   idx,
		order:        order,
		mem:          mem,
		slotSize:     slotSize,
		numSlots:     numSlots,
		bufctlsStart: bufctlsStart,
		objectStart:  objectStart,
	}
	for i := 0; i < numSlots; i++ {
		next := int32(i + 1)
		if i == numSlots-1 {
			next = -1
		}
		s.writeBufctlNext(i, next)
		s.setBufctlInitialized(i, false)
	}
	s.freeHead = 0
	return s, nil
}

func (s *Slab) bufctlOffset(i int) int { return s.bufctlsStart + i*bufctlSize }

func (s *Slab) readBufctlNext(i int) int32 {
	off := s.bufctlOffset(i)
	return int32(binary.LittleEndian.Uint32(s.mem[off : off+4]))
}

func (s *Slab) writeBufctlNext(i int, v int32) {
	off := s.bufctlOffset(i)
	binary.LittleEndian.PutUint32(s.mem[off:off+4], uint32(v))
}

func (s *Slab) bufctlInitialized(i int) bool {
	return s.mem[s.bufctlOffset(i)+4] != 0
}

func (s *Slab) setBufctlInitialized(i int, v bool) {
	off := s.bufctlOffset(i) + 4
	if v {
		s.mem[off] = 1
	} else {
		s.mem[off] = 0
	}
}

// slot returns the byte range backing slot i.
func (s *Slab) slot(i int) []byte {
	off := s.objectStart + i*s.slotSize
	return s.mem[off : off+s.slotSize]
}

// Alloc hands out the slab's next free slot, running ctor the first time
// that slot is ever used. It returns false if the slab has no free slots.
func (s *Slab) Alloc(ctor Ctor) (obj []byte, ok bool) {
	if s.freeHead == -1 {
		return nil, false
	}
	i := int(s.freeHead)
	s.freeHead = s.readBufctlNext(i)
	s.inUse++

	obj = s.slot(i)
	if !s.bufctlInitialized(i) {
		if ctor != nil {
			ctor(obj)
		}
		s.setBufctlInitialized(i, true)
	}
	return obj, true
}

// Free returns the slot at byte offset matching obj to the slab's free
// list. It never runs a destructor: Dtor only ever runs when the slab
// itself is torn down.
func (s *Slab) Free(obj []byte) error {
	i, err := s.slotIndex(obj)
	if err != nil {
		return err
	}
	s.writeBufctlNext(i, s.freeHead)
	s.freeHead = int32(i)
	s.inUse--
	return nil
}

func (s *Slab) slotIndex(obj []byte) (int, error) {
	if len(obj) == 0 || len(s.mem) == 0 {
		return 0, fmt.Errorf("kmem: empty pointer cannot belong to a slab")
	}
	base := uintptr(unsafe.Pointer(&s.mem[0]))
	objBase := uintptr(unsafe.Pointer(&obj[0]))
	if objBase < base || objBase >= base+uintptr(len(s.mem)) {
		return 0, fmt.Errorf("kmem: pointer does not belong to this slab")
	}
	off := int(objBase - base)
	if off < s.objectStart {
		return 0, fmt.Errorf("kmem: pointer does not belong to this slab")
	}
	rel := off - s.objectStart
	if rel%s.slotSize != 0 {
		return 0, fmt.Errorf("kmem: pointer misaligned to slot boundary")
	}
	i := rel / s.slotSize
	if i < 0 || i >= s.numSlots {
		return 0, fmt.Errorf("kmem: pointer does not belong to this slab")
	}
	return i, nil
}

// Full reports whether every slot in the slab is in use.
func (s *Slab) Full() bool { return s.inUse == s.numSlots }

// Empty reports whether every slot in the slab is free.
func (s *Slab) Empty() bool { return s.inUse == 0 }

// destroy runs dtor over every slot that was ever constructed and
// releases the backing chunk back to the buddy engine.
func (s *Slab) destroy(b *Buddy, dtor Dtor) error {
	if dtor != nil {
		for i := 0; i < s.numSlots; i++ {
			if s.bufctlInitialized(i) {
				dtor(s.slot(i))
			}
		}
	}
	return b.FreeByBlocks(s.buddyIndex, 1<<uint(s.order))
}
