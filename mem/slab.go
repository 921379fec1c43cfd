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

import "encoding/binary"

// nilOff marks the end of an offset-linked free list. Offset 0 is a valid
// allocation, so the sentinel is all ones.
const nilOff = ^uint64(0)

// SlabCache draws slabs from a shared arena on behalf of one allocator.
// Several caches may sit on one arena; each keeps its own usage counter so
// tuple memory and index memory stay separately accountable.
type SlabCache struct {
	arena *Arena
	slabs uint64
}

// NewSlabCache creates a cache over the given arena.
func NewSlabCache(arena *Arena) *SlabCache {
	return &SlabCache{arena: arena}
}

// Alloc carves one slab.
func (c *SlabCache) Alloc() (uint64, error) {
	off, err := c.arena.AllocSlab()
	if err != nil {
		return 0, err
	}
	c.slabs++
	return off, nil
}

// Free recycles a slab back to the arena.
func (c *SlabCache) Free(off uint64) {
	c.arena.FreeSlab(off)
	c.slabs--
}

// SlabSize returns the arena's carve granularity.
func (c *SlabCache) SlabSize() uint64 { return c.arena.SlabSize() }

// Slabs returns the number of slabs currently held by this cache.
func (c *SlabCache) Slabs() uint64 { return c.slabs }

// bytes exposes arena memory to the allocators in this package.
func (c *SlabCache) bytes(off, n uint64) []byte {
	return c.arena.Bytes(off, n)
}

func (c *SlabCache) putWord(off, val uint64) {
	binary.LittleEndian.PutUint64(c.arena.Bytes(off, 8), val)
}

func (c *SlabCache) getWord(off uint64) uint64 {
	return binary.LittleEndian.Uint64(c.arena.Bytes(off, 8))
}

func (c *SlabCache) putU32(off uint64, val uint32) {
	binary.LittleEndian.PutUint32(c.arena.Bytes(off, 4), val)
}

func (c *SlabCache) getU32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(c.arena.Bytes(off, 4))
}
