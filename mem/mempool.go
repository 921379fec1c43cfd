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

// Pool is a fixed-size object allocator over a slab cache. Index extents
// come from a pool. Freed objects form an offset-linked list threaded
// through the objects themselves.
type Pool struct {
	cache   *SlabCache
	objSize uint64
	free    uint64
	slab    uint64
	slabPos uint64
	used    uint64
}

// NewPool creates a pool of objSize-byte objects. objSize must fit a
// free-list link and divide into slabs with acceptable waste.
func NewPool(cache *SlabCache, objSize uint64) *Pool {
	if objSize < 8 || objSize > cache.SlabSize() {
		panic("mem: invalid pool object size")
	}
	return &Pool{cache: cache, objSize: objSize, free: nilOff, slab: nilOff}
}

// Alloc returns the offset of one object.
func (p *Pool) Alloc() (uint64, error) {
	var off uint64
	if p.free != nilOff {
		off = p.free
		p.free = p.cache.getWord(off)
	} else {
		if p.slab == nilOff || p.slabPos+p.objSize > p.cache.SlabSize() {
			slab, err := p.cache.Alloc()
			if err != nil {
				return 0, err
			}
			p.slab, p.slabPos = slab, 0
		}
		off = p.slab + p.slabPos
		p.slabPos += p.objSize
	}
	p.used += p.objSize
	return off, nil
}

// Free returns an object to the pool.
func (p *Pool) Free(off uint64) {
	p.cache.putWord(off, p.free)
	p.free = off
	p.used -= p.objSize
}

// Bytes returns the object's backing memory.
func (p *Pool) Bytes(off uint64) []byte {
	return p.cache.bytes(off, p.objSize)
}

// ObjSize returns the pool's object size.
func (p *Pool) ObjSize() uint64 { return p.objSize }

// Used returns the live byte count of the pool.
func (p *Pool) Used() uint64 { return p.used }
