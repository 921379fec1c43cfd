// Copyright 2026 The memtx Authors
// This file is part of the memtx library.
//
// The memtx library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The memtx library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the memtx library. If not, see <http://www.gnu.org/licenses/>.

package mem

import (
	"fmt"
	"sort"
)

// ObjsizeMinFloor is the lowest permitted small-object granularity. A freed
// block must be able to hold a free-list link plus a length word, so the
// floor is never configurable below 16 bytes.
const ObjsizeMinFloor = 16

// SmallAlloc is a size-segregated allocator for small objects, primarily
// tuples. Each size class keeps a free list threaded through the freed
// blocks themselves: the first word of a free block is the offset of the
// next one.
//
// The allocator has a delayed-free mode. While the mode is on, FreeDelayed
// queues blocks instead of returning them to their class, keeping the bytes
// intact for any snapshot read view that may still cover them. Turning the
// mode off drains the queue.
type SmallAlloc struct {
	cache   *SlabCache
	classes []sizeClass

	delayed      bool
	delayedHead  uint64
	delayedBytes uint64

	used uint64
}

type sizeClass struct {
	size    uint32
	free    uint64 // head of the free list, nilOff when empty
	slab    uint64 // partially carved slab, nilOff when none
	slabPos uint64 // first unused byte of the partial slab
}

// NewSmallAlloc builds the class table from objsizeMin up, growing by
// factor, and caps the largest class at the slab size.
func NewSmallAlloc(cache *SlabCache, objsizeMin uint32, factor float64) *SmallAlloc {
	if objsizeMin < ObjsizeMinFloor {
		objsizeMin = ObjsizeMinFloor
	}
	if factor <= 1.0 {
		factor = 1.05
	}
	slabSize := cache.SlabSize()

	a := &SmallAlloc{cache: cache, delayedHead: nilOff}
	size := align8(uint64(objsizeMin))
	for size < slabSize {
		a.classes = append(a.classes, sizeClass{
			size: uint32(size),
			free: nilOff,
			slab: nilOff,
		})
		next := align8(uint64(float64(size) * factor))
		if next <= size {
			next = size + 8
		}
		size = next
	}
	a.classes = append(a.classes, sizeClass{size: uint32(slabSize), free: nilOff, slab: nilOff})
	return a
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// classIndex finds the smallest class able to hold size bytes.
func (a *SmallAlloc) classIndex(size uint32) (int, error) {
	i := sort.Search(len(a.classes), func(i int) bool {
		return a.classes[i].size >= size
	})
	if i == len(a.classes) {
		return 0, fmt.Errorf("mem: allocation of %d bytes exceeds slab size", size)
	}
	return i, nil
}

// Alloc returns the offset of a block able to hold size bytes. The block's
// accountable size is the class size, also used on Free.
func (a *SmallAlloc) Alloc(size uint32) (uint64, error) {
	ci, err := a.classIndex(size)
	if err != nil {
		return 0, err
	}
	c := &a.classes[ci]
	var off uint64
	if c.free != nilOff {
		off = c.free
		c.free = a.cache.getWord(off)
	} else {
		if c.slab == nilOff || c.slabPos+uint64(c.size) > a.cache.SlabSize() {
			slab, err := a.cache.Alloc()
			if err != nil {
				return 0, err
			}
			c.slab, c.slabPos = slab, 0
		}
		off = c.slab + c.slabPos
		c.slabPos += uint64(c.size)
	}
	a.used += uint64(c.size)
	return off, nil
}

// Free returns a block to its class free list immediately.
func (a *SmallAlloc) Free(off uint64, size uint32) {
	ci, err := a.classIndex(size)
	if err != nil {
		panic("mem: free of block larger than any class")
	}
	c := &a.classes[ci]
	a.cache.putWord(off, c.free)
	c.free = off
	a.used -= uint64(c.size)
}

// FreeDelayed queues the block for release after the delayed-free mode ends,
// or frees it immediately when the mode is off. The queue is threaded
// through the blocks: next-link in the first word, block size in the word
// after it.
func (a *SmallAlloc) FreeDelayed(off uint64, size uint32) {
	if !a.delayed {
		a.Free(off, size)
		return
	}
	a.cache.putWord(off, a.delayedHead)
	a.cache.putU32(off+8, size)
	a.delayedHead = off
	a.delayedBytes += uint64(size)
}

// DelayedFree reports whether the delayed-free mode is on.
func (a *SmallAlloc) DelayedFree() bool { return a.delayed }

// SetDelayedFree toggles the delayed-free mode. Leaving the mode drains
// every queued block.
func (a *SmallAlloc) SetDelayedFree(on bool) {
	a.delayed = on
	if !on {
		a.drainDelayed()
	}
}

func (a *SmallAlloc) drainDelayed() {
	for a.delayedHead != nilOff {
		off := a.delayedHead
		a.delayedHead = a.cache.getWord(off)
		size := a.cache.getU32(off + 8)
		a.Free(off, size)
	}
	a.delayedBytes = 0
}

// Used returns the live byte count, including blocks sitting on the
// delayed-free queue: their memory is still pinned.
func (a *SmallAlloc) Used() uint64 { return a.used }

// DelayedBytes returns the byte count currently held on the delayed queue.
func (a *SmallAlloc) DelayedBytes() uint64 { return a.delayedBytes }

// BlockSize returns the accountable size a block of the given request size
// occupies.
func (a *SmallAlloc) BlockSize(size uint32) uint32 {
	ci, err := a.classIndex(size)
	if err != nil {
		return size
	}
	return a.classes[ci].size
}
