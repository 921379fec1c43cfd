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

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/memtx-db/memtx/db"
)

// Tuple header layout inside its arena block:
//
//	version   u32  snapshot generation stamped at allocation
//	refs      u32  reference count
//	format    u32  id of the owning format
//	bsize     u32  payload byte length
//	dataOff   u32  header + field map size; payload starts here
//
// The first words double as the delayed-free link once the block is
// queued, which is why a tuple must never be touched after its last unref.
const tupleHeaderSize = 20

var (
	tupleAllocMeter = metrics.NewRegisteredMeter("memtx/tuple/alloc", nil)
	tupleFreeMeter  = metrics.NewRegisteredMeter("memtx/tuple/free", nil)
)

// errInjTupleAlloc, when set, fails tuple allocations; used by tests to
// exercise the out-of-memory paths.
var errInjTupleAlloc func() error

// Tuple is a handle on an engine-owned record living in the arena. The
// zero value is "no tuple".
type Tuple struct {
	e   *Engine
	off uint64
}

// IsNil reports whether the handle refers to no tuple.
func (t Tuple) IsNil() bool { return t.e == nil }

func (t Tuple) hdr(field uint64) uint32 {
	return binary.LittleEndian.Uint32(t.e.arena.Bytes(t.off+field*4, 4))
}

func (t Tuple) setHdr(field uint64, val uint32) {
	binary.LittleEndian.PutUint32(t.e.arena.Bytes(t.off+field*4, 4), val)
}

func (t Tuple) version() uint32  { return t.hdr(0) }
func (t Tuple) refs() uint32     { return t.hdr(1) }
func (t Tuple) formatID() uint32 { return t.hdr(2) }
func (t Tuple) bsize() uint32    { return t.hdr(3) }
func (t Tuple) dataOff() uint32  { return t.hdr(4) }

// Size returns the record byte length.
func (t Tuple) Size() uint32 { return t.bsize() }

// Data returns the raw record bytes. The slice aliases arena memory and is
// valid while the caller holds a reference.
func (t Tuple) Data() []byte {
	return t.e.arena.Bytes(t.off+uint64(t.dataOff()), uint64(t.bsize()))
}

// fieldOffset returns the payload-relative offset of the given indexed
// field, reading the tuple's field map.
func (t Tuple) fieldOffset(field uint32) (uint32, bool) {
	format := t.e.formats[t.formatID()]
	if format == nil || field >= format.fieldCount {
		return 0, false
	}
	off := binary.LittleEndian.Uint32(t.e.arena.Bytes(t.off+tupleHeaderSize+uint64(field)*4, 4))
	return off, true
}

// ref takes a reference. Engine mutex held.
func (t Tuple) ref() { t.setHdr(1, t.refs()+1) }

// unref drops a reference, releasing the tuple on the last one. Engine
// mutex held.
func (t Tuple) unref() {
	refs := t.refs()
	if refs == 0 {
		panic("memtx: tuple reference underflow")
	}
	t.setHdr(1, refs-1)
	if refs == 1 {
		t.e.tupleDelete(t)
	}
}

// Ref implements db.Tuple.
func (t Tuple) Ref() {
	t.e.mu.Lock()
	t.ref()
	t.e.mu.Unlock()
}

// Unref implements db.Tuple.
func (t Tuple) Unref() {
	t.e.mu.Lock()
	t.unref()
	t.e.mu.Unlock()
}

// Format is a shared schema descriptor. Only its indexed field count and
// temporary marker matter to the engine core; everything else about the
// record layout is the host's business.
type Format struct {
	e          *Engine
	id         uint32
	fieldCount uint32
	temporary  bool
	refs       uint32
}

// NewFormat registers a format with the given indexed-field-map width.
func (e *Engine) NewFormat(fieldCount uint32, temporary bool) *Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := &Format{e: e, id: e.nextFormatID, fieldCount: fieldCount, temporary: temporary}
	e.nextFormatID++
	e.formats[f.id] = f
	return f
}

// Ref takes a reference on the format.
func (f *Format) Ref() { f.refs++ }

// Unref drops a reference on the format.
func (f *Format) Unref() {
	if f.refs == 0 {
		panic("memtx: format reference underflow")
	}
	f.refs--
}

// tupleNew allocates and initializes a tuple from raw record bytes.
// Engine mutex held.
func (e *Engine) tupleNew(format *Format, data []byte) (Tuple, error) {
	fieldMap, err := buildFieldMap(data, format.fieldCount)
	if err != nil {
		return Tuple{}, err
	}
	total := uint64(tupleHeaderSize) + uint64(len(fieldMap))*4 + uint64(len(data))
	if total > uint64(e.maxTupleSize) {
		return Tuple{}, fmt.Errorf("%w: %d bytes", db.ErrTupleTooLarge, total)
	}
	if errInjTupleAlloc != nil {
		if err := errInjTupleAlloc(); err != nil {
			return Tuple{}, err
		}
	}
	var off uint64
	for {
		off, err = e.alloc.Alloc(uint32(total))
		if err == nil {
			break
		}
		if !e.runGCStepLocked() {
			return Tuple{}, fmt.Errorf("%w: tuple of %d bytes", db.ErrOutOfMemory, total)
		}
	}
	t := Tuple{e: e, off: off}
	t.setHdr(0, e.snapshotVersion)
	t.setHdr(1, 0)
	t.setHdr(2, format.id)
	t.setHdr(3, uint32(len(data)))
	dataOff := uint32(tupleHeaderSize) + uint32(len(fieldMap))*4
	t.setHdr(4, dataOff)
	for i, fo := range fieldMap {
		binary.LittleEndian.PutUint32(e.arena.Bytes(off+tupleHeaderSize+uint64(i)*4, 4), fo)
	}
	copy(e.arena.Bytes(off+uint64(dataOff), uint64(len(data))), data)
	format.Ref()
	tupleAllocMeter.Mark(1)
	return t, nil
}

// tupleDelete releases a zero-ref tuple per the copy-on-write discipline:
// immediate free unless the allocator is in delayed-free mode and the
// tuple predates the running snapshot generation (and its format is not
// temporary), in which case the bytes stay pinned on the delayed queue.
// Engine mutex held.
func (e *Engine) tupleDelete(t Tuple) {
	format := e.formats[t.formatID()]
	format.Unref()
	total := uint32(t.dataOff()) + t.bsize()
	tupleFreeMeter.Mark(1)
	if !e.alloc.DelayedFree() || t.version() == e.snapshotVersion || format.temporary {
		e.alloc.Free(t.off, total)
	} else {
		e.alloc.FreeDelayed(t.off, total)
	}
}

// TupleChunkNew allocates an auxiliary payload chunk tied to a tuple's
// format. The chunk is size-prefixed so it can be released without
// external bookkeeping.
func (e *Engine) TupleChunkNew(format *Format, data []byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := uint32(4 + len(data))
	off, err := e.alloc.Alloc(total)
	if err != nil {
		return 0, fmt.Errorf("%w: tuple chunk of %d bytes", db.ErrOutOfMemory, total)
	}
	binary.LittleEndian.PutUint32(e.arena.Bytes(off, 4), uint32(len(data)))
	copy(e.arena.Bytes(off+4, uint64(len(data))), data)
	return off, nil
}

// TupleChunkDelete releases a chunk allocated by TupleChunkNew.
func (e *Engine) TupleChunkDelete(off uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := binary.LittleEndian.Uint32(e.arena.Bytes(off, 4))
	e.alloc.Free(off, 4+size)
}

// TupleChunkData returns a chunk's payload bytes.
func (e *Engine) TupleChunkData(off uint64) []byte {
	size := binary.LittleEndian.Uint32(e.arena.Bytes(off, 4))
	return e.arena.Bytes(off+4, uint64(size))
}
