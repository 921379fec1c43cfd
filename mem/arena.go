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
	"github.com/edsrzf/mmap-go"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sys/unix"
)

// SlabSize is the granularity at which the arena hands memory to the slab
// caches sitting on top of it.
const SlabSize = 16 * 1024 * 1024

// Arena is a contiguous anonymous mapping carved into fixed size slabs.
// The address space is reserved up front; pages are only charged against
// the quota as slabs get carved. Slabs returned to the arena are recycled
// without giving quota back, matching the engine's never-shrink memory
// model.
type Arena struct {
	quota    *Quota
	mem      mmap.MMap
	slabSize uint64
	pos      uint64   // next never-carved byte
	free     []uint64 // offsets of recycled slabs
	slabs    uint64   // carved slab count, for stats
}

// NewArena reserves an address range able to hold maxSize bytes rounded up
// to whole slabs. With dontdump set, the range is excluded from core dumps.
func NewArena(quota *Quota, maxSize uint64, dontdump bool) (*Arena, error) {
	size := (maxSize + SlabSize - 1) / SlabSize * SlabSize
	if size == 0 {
		size = SlabSize
	}
	m, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, err
	}
	if dontdump {
		if err := unix.Madvise(m, unix.MADV_DONTDUMP); err != nil {
			log.Warn("Failed to exclude arena from core dumps", "err", err)
		}
	}
	return &Arena{quota: quota, mem: m, slabSize: SlabSize}, nil
}

// AllocSlab carves one slab, recycling a previously freed one if possible.
// Fresh slabs are charged against the quota.
func (a *Arena) AllocSlab() (uint64, error) {
	if n := len(a.free); n > 0 {
		off := a.free[n-1]
		a.free = a.free[:n-1]
		return off, nil
	}
	if a.pos+a.slabSize > uint64(len(a.mem)) {
		return 0, ErrNoMemory
	}
	if err := a.quota.Use(a.slabSize); err != nil {
		return 0, err
	}
	off := a.pos
	a.pos += a.slabSize
	a.slabs++
	return off, nil
}

// FreeSlab recycles a slab for a later AllocSlab. The quota charge is kept.
func (a *Arena) FreeSlab(off uint64) {
	a.free = append(a.free, off)
}

// Bytes returns the n bytes of arena memory starting at off.
func (a *Arena) Bytes(off, n uint64) []byte {
	return a.mem[off : off+n : off+n]
}

// SlabSize returns the carve granularity.
func (a *Arena) SlabSize() uint64 { return a.slabSize }

// Close unmaps the arena. No offset handed out earlier may be touched
// afterwards.
func (a *Arena) Close() error {
	return a.mem.Unmap()
}
