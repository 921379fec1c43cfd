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

package memtx

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/memtx-db/memtx/db"
)

// extentEntries is how many tuple references one index extent holds.
const extentEntries = ExtentSize / 8

// errInjSnapIter, when set, fails snapshot iterator creation.
var errInjSnapIter func() error

// TreeIndex is an ordered index storing tuple references in sorted runs of
// extent-pool blocks. All of its node memory comes from the engine's
// extent pool, so a reservation made before a structural mutation
// guarantees the mutation cannot fail halfway.
type TreeIndex struct {
	sp  *Space
	def db.IndexDef

	blocks []treeBlock
	built  bool
}

type treeBlock struct {
	ext uint64 // extent offset holding the entries
	n   int    // live entries
}

func newTreeIndex(sp *Space, def db.IndexDef) *TreeIndex {
	return &TreeIndex{sp: sp, def: def, built: true}
}

// Def returns the index definition.
func (ix *TreeIndex) Def() db.IndexDef { return ix.def }

// Len returns the number of indexed tuples.
func (ix *TreeIndex) Len() int {
	total := 0
	for _, b := range ix.blocks {
		total += b.n
	}
	return total
}

func (ix *TreeIndex) entryAt(b, i int) Tuple {
	mem := ix.sp.e.extentPool.Bytes(ix.blocks[b].ext)
	return Tuple{e: ix.sp.e, off: binary.LittleEndian.Uint64(mem[i*8:])}
}

func (ix *TreeIndex) setEntryAt(b, i int, t Tuple) {
	mem := ix.sp.e.extentPool.Bytes(ix.blocks[b].ext)
	binary.LittleEndian.PutUint64(mem[i*8:], t.off)
}

// keyOf extracts the index key of a tuple.
func (ix *TreeIndex) keyOf(t Tuple) ([]keyVal, error) {
	data := t.Data()
	key := make([]keyVal, len(ix.def.Parts))
	for i, part := range ix.def.Parts {
		fo, ok := t.fieldOffset(part.Field)
		if !ok || fo == 0 {
			return nil, formatErr("tuple misses key field")
		}
		v, err := mpReadKey(data, int(fo), part.Type)
		if err != nil {
			return nil, err
		}
		key[i] = v
	}
	return key, nil
}

// mustKeyOf extracts the key of an already indexed tuple; those were
// validated on the way in.
func (ix *TreeIndex) mustKeyOf(t Tuple) []keyVal {
	key, err := ix.keyOf(t)
	if err != nil {
		panic("memtx: indexed tuple with unreadable key: " + err.Error())
	}
	return key
}

// lowerBound finds the position of the first entry whose key is >= key.
// The returned position may be the append slot of the last block.
func (ix *TreeIndex) lowerBound(key []keyVal) (int, int) {
	if len(ix.blocks) == 0 {
		return 0, 0
	}
	b := sort.Search(len(ix.blocks), func(i int) bool {
		blk := ix.blocks[i]
		last := ix.entryAt(i, blk.n-1)
		return compareKeyVals(ix.mustKeyOf(last), key) >= 0
	})
	if b == len(ix.blocks) {
		b = len(ix.blocks) - 1
		return b, ix.blocks[b].n
	}
	i := sort.Search(ix.blocks[b].n, func(j int) bool {
		return compareKeyVals(ix.mustKeyOf(ix.entryAt(b, j)), key) >= 0
	})
	return b, i
}

// findKey reports the position of the first entry matching key exactly.
func (ix *TreeIndex) findKey(key []keyVal) (int, int, bool) {
	b, i := ix.lowerBound(key)
	if b >= len(ix.blocks) || i >= ix.blocks[b].n {
		return b, i, false
	}
	if compareKeyVals(ix.mustKeyOf(ix.entryAt(b, i)), key) != 0 {
		return b, i, false
	}
	return b, i, true
}

// Get returns the tuple stored under the given key, if any.
func (ix *TreeIndex) Get(key []keyVal) (Tuple, bool) {
	b, i, found := ix.findKey(key)
	if !found {
		return Tuple{}, false
	}
	return ix.entryAt(b, i), true
}

// insertAt places a tuple at the given position, splitting the target
// block when it is full. Extent allocations go through the engine so the
// reservation protocol applies.
func (ix *TreeIndex) insertAt(b, i int, t Tuple) error {
	if len(ix.blocks) == 0 {
		ext, err := ix.sp.e.extentAlloc()
		if err != nil {
			return err
		}
		ix.blocks = append(ix.blocks, treeBlock{ext: ext})
		b, i = 0, 0
	}
	if ix.blocks[b].n == extentEntries {
		ext, err := ix.sp.e.extentAlloc()
		if err != nil {
			return err
		}
		// Split the full block in half and retarget the insert.
		half := extentEntries / 2
		src := ix.sp.e.extentPool.Bytes(ix.blocks[b].ext)
		dst := ix.sp.e.extentPool.Bytes(ext)
		copy(dst, src[half*8:extentEntries*8])
		ix.blocks[b].n = half
		newBlk := treeBlock{ext: ext, n: extentEntries - half}
		ix.blocks = append(ix.blocks, treeBlock{})
		copy(ix.blocks[b+2:], ix.blocks[b+1:])
		ix.blocks[b+1] = newBlk
		if i > half {
			b, i = b+1, i-half
		}
	}
	blk := &ix.blocks[b]
	mem := ix.sp.e.extentPool.Bytes(blk.ext)
	copy(mem[(i+1)*8:(blk.n+1)*8], mem[i*8:blk.n*8])
	binary.LittleEndian.PutUint64(mem[i*8:], t.off)
	blk.n++
	return nil
}

// removeAt deletes the entry at the given position, returning empty
// blocks' extents to the pool.
func (ix *TreeIndex) removeAt(b, i int) {
	blk := &ix.blocks[b]
	mem := ix.sp.e.extentPool.Bytes(blk.ext)
	copy(mem[i*8:(blk.n-1)*8], mem[(i+1)*8:blk.n*8])
	blk.n--
	if blk.n == 0 {
		ix.sp.e.extentFree(blk.ext)
		ix.blocks = append(ix.blocks[:b], ix.blocks[b+1:]...)
	}
}

// removeTuple locates and removes the entry referencing exactly t.
func (ix *TreeIndex) removeTuple(t Tuple) bool {
	key, err := ix.keyOf(t)
	if err != nil {
		return false
	}
	b, i, found := ix.findKey(key)
	if !found {
		return false
	}
	// Scan the run of equal keys for the matching reference.
	for b < len(ix.blocks) {
		for ; i < ix.blocks[b].n; i++ {
			cur := ix.entryAt(b, i)
			if cur.off == t.off {
				ix.removeAt(b, i)
				return true
			}
			if compareKeyVals(ix.mustKeyOf(cur), key) != 0 {
				return false
			}
		}
		b, i = b+1, 0
	}
	return false
}

// replace is the index mutation primitive: install new (when set), drop
// old (when set), honoring the duplicate policy. It returns the tuple the
// operation displaced.
func (ix *TreeIndex) replace(old, new Tuple, mode db.DupMode) (Tuple, error) {
	var replaced Tuple
	if !new.IsNil() {
		key, err := ix.keyOf(new)
		if err != nil {
			return Tuple{}, err
		}
		b, i, found := ix.findKey(key)
		switch {
		case found && ix.def.Unique:
			dup := ix.entryAt(b, i)
			if mode == db.DupInsert && (old.IsNil() || dup.off != old.off) {
				return Tuple{}, fmt.Errorf("%w: space %q, index %q",
					db.ErrDuplicate, ix.sp.name, ix.def.Name)
			}
			ix.setEntryAt(b, i, new)
			replaced = dup
		case !found && mode == db.DupReplace:
			return Tuple{}, fmt.Errorf("%w: space %q", db.ErrTupleNotFound, ix.sp.name)
		default:
			if err := ix.insertAt(b, i, new); err != nil {
				return Tuple{}, err
			}
		}
	}
	if !old.IsNil() && (replaced.IsNil() || replaced.off != old.off) {
		if ix.removeTuple(old) && replaced.IsNil() {
			replaced = old
		}
	}
	return replaced, nil
}

// forEach visits every indexed tuple in key order.
func (ix *TreeIndex) forEach(fn func(Tuple) error) error {
	for b := range ix.blocks {
		for i := 0; i < ix.blocks[b].n; i++ {
			if err := fn(ix.entryAt(b, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Build populates the index from the primary key, enforcing uniqueness.
func (ix *TreeIndex) Build(pk *TreeIndex) error {
	return pk.forEach(func(t Tuple) error {
		_, err := ix.replace(Tuple{}, t, db.DupInsert)
		return err
	})
}

// EndBuild finalizes a bulk load. Inserts keep the runs sorted, so there
// is no structural work left; the index is simply marked live.
func (ix *TreeIndex) EndBuild() {
	ix.built = true
}

// createSnapshotIterator captures a consistent read view: the current
// key-ordered tuple sequence, with one reference taken per tuple. Engine
// mutex held.
func (ix *TreeIndex) createSnapshotIterator() (*SnapshotIterator, error) {
	if errInjSnapIter != nil {
		if err := errInjSnapIter(); err != nil {
			return nil, err
		}
	}
	it := &SnapshotIterator{e: ix.sp.e, tuples: make([]uint64, 0, ix.Len())}
	ix.forEach(func(t Tuple) error {
		t.ref()
		it.tuples = append(it.tuples, t.off)
		return nil
	})
	return it, nil
}

// SnapshotIterator yields the tuples that were live in an index at its
// creation instant, exactly once each, regardless of later mutation. It
// owns one reference per tuple until freed.
type SnapshotIterator struct {
	e      *Engine
	tuples []uint64
	pos    int
}

// Next returns the next tuple's bytes, or nil at the end of the view. It
// is the only method safe to call off the engine's serialization domain:
// the captured tuples are immutable and referenced.
func (it *SnapshotIterator) Next() ([]byte, error) {
	if it.pos >= len(it.tuples) {
		return nil, nil
	}
	t := Tuple{e: it.e, off: it.tuples[it.pos]}
	it.pos++
	return t.Data(), nil
}

// free drops the view's tuple references. Engine mutex held.
func (it *SnapshotIterator) free() {
	for _, off := range it.tuples {
		Tuple{e: it.e, off: off}.unref()
	}
	it.tuples = nil
}

// indexDropTask reclaims a dropped index's extents from the GC worker.
// Run steps through the extent list a batch at a time without releasing
// anything; Free returns every extent to the pool at once.
type indexDropTask struct {
	e    *Engine
	exts []uint64
	pos  int
}

const dropBatch = 64

func (t *indexDropTask) Run() bool {
	t.pos += dropBatch
	return t.pos >= len(t.exts)
}

func (t *indexDropTask) Free() {
	for _, ext := range t.exts {
		t.e.extentPool.Free(ext)
	}
	t.exts = nil
}
