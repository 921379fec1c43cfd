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
	"bytes"
	"errors"
	"testing"

	"github.com/memtx-db/memtx/db"
)

func TestTupleNewAndData(t *testing.T) {
	e := okEngine(t)
	format := e.NewFormat(2, false)
	raw := mkTuple(t, uint64(42), "hello")

	e.mu.Lock()
	defer e.mu.Unlock()
	tup, err := e.tupleNew(format, raw)
	if err != nil {
		t.Fatalf("tuple allocation failed: %v", err)
	}
	tup.ref()
	if !bytes.Equal(tup.Data(), raw) {
		t.Fatalf("payload mismatch: have %x, want %x", tup.Data(), raw)
	}
	if tup.Size() != uint32(len(raw)) {
		t.Fatalf("size mismatch: have %d, want %d", tup.Size(), len(raw))
	}
	// Both indexed fields must be reachable through the field map.
	for field := uint32(0); field < 2; field++ {
		off, ok := tup.fieldOffset(field)
		if !ok || off == 0 {
			t.Fatalf("field %d missing from field map", field)
		}
	}
	tup.unref()
}

func TestTupleFieldMapOffsets(t *testing.T) {
	raw := mkTuple(t, uint64(7), "ab", uint64(300))
	fm, err := buildFieldMap(raw, 3)
	if err != nil {
		t.Fatalf("field map build failed: %v", err)
	}
	// Field 0 sits right after the array header.
	if fm[0] != 1 {
		t.Fatalf("field 0 offset: have %d, want 1", fm[0])
	}
	// Offsets are strictly increasing.
	if !(fm[0] < fm[1] && fm[1] < fm[2]) {
		t.Fatalf("offsets not increasing: %v", fm)
	}
	// A wider field map than the record leaves the tail zero.
	fm, err = buildFieldMap(raw, 5)
	if err != nil {
		t.Fatalf("field map build failed: %v", err)
	}
	if fm[3] != 0 || fm[4] != 0 {
		t.Fatalf("missing fields not zeroed: %v", fm)
	}
}

func TestTupleMalformed(t *testing.T) {
	for _, bad := range [][]byte{
		{},                    // empty
		{0x81},                // a map, not an array
		{0x92, 0x01},          // array announcing more fields than present
		{0x91, 0xd9},          // truncated str8 header
		append(mkTuple(t, uint64(1)), 0x00), // trailing bytes
	} {
		if _, err := buildFieldMap(bad, 1); !errors.Is(err, db.ErrFormat) {
			t.Errorf("input %x: have %v, want format error", bad, err)
		}
	}
}

func TestTupleTooLarge(t *testing.T) {
	e := okEngine(t)
	e.SetMaxTupleSize(64)
	sp := oneIndexSpace(t, e, 512, "limits")

	txn, err := db.Begin(e)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	big := make([]byte, 200)
	req := &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(1), string(big))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupInsert); !errors.Is(err, db.ErrTupleTooLarge) {
		t.Fatalf("oversized tuple: have %v, want tuple-too-large", err)
	}
	txn.Rollback()
}

func TestTupleOutOfMemoryAfterGC(t *testing.T) {
	e := okEngine(t)
	sp := oneIndexSpace(t, e, 512, "oom")

	errInjTupleAlloc = func() error { return db.ErrOutOfMemory }
	defer func() { errInjTupleAlloc = nil }()

	txn, err := db.Begin(e)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	req := &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(1), uint64(2))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupInsert); !errors.Is(err, db.ErrOutOfMemory) {
		t.Fatalf("have %v, want out-of-memory", err)
	}
	txn.Rollback()
}

// A zero-ref tuple of an older generation must stay resident while the
// allocator runs in delayed-free mode; one of the current generation is
// released immediately even then.
func TestTupleDeleteGenerations(t *testing.T) {
	e := okEngine(t)
	format := e.NewFormat(1, false)

	e.mu.Lock()
	oldGen, err := e.tupleNew(format, mkTuple(t, uint64(1)))
	if err != nil {
		e.mu.Unlock()
		t.Fatalf("tuple allocation failed: %v", err)
	}
	oldGen.ref()
	e.mu.Unlock()

	if err := e.BeginCheckpoint(); err != nil {
		t.Fatalf("begin checkpoint failed: %v", err)
	}

	e.mu.Lock()
	resident := e.alloc.Used()
	oldGen.unref()
	if e.alloc.Used() != resident {
		e.mu.Unlock()
		t.Fatalf("old-generation tuple released during checkpoint")
	}
	if e.alloc.DelayedBytes() == 0 {
		e.mu.Unlock()
		t.Fatalf("old-generation tuple not on the delayed queue")
	}

	// Current-generation garbage does not accumulate.
	fresh, err := e.tupleNew(format, mkTuple(t, uint64(2)))
	if err != nil {
		e.mu.Unlock()
		t.Fatalf("tuple allocation failed: %v", err)
	}
	fresh.ref()
	used := e.alloc.Used()
	fresh.unref()
	if e.alloc.Used() >= used {
		e.mu.Unlock()
		t.Fatalf("current-generation tuple was deferred")
	}
	e.mu.Unlock()

	// Abort ends delayed-free mode and drains the queue.
	e.AbortCheckpoint()
	e.mu.Lock()
	if e.alloc.DelayedBytes() != 0 {
		e.mu.Unlock()
		t.Fatalf("delayed queue not drained after abort")
	}
	if e.alloc.Used() >= resident {
		e.mu.Unlock()
		t.Fatalf("old-generation tuple still resident after abort")
	}
	e.mu.Unlock()
}

// Temporary formats bypass the delayed-free queue entirely.
func TestTupleDeleteTemporaryFormat(t *testing.T) {
	e := okEngine(t)
	format := e.NewFormat(1, true)

	if err := e.BeginCheckpoint(); err != nil {
		t.Fatalf("begin checkpoint failed: %v", err)
	}
	defer e.AbortCheckpoint()

	e.mu.Lock()
	defer e.mu.Unlock()
	tup, err := e.tupleNew(format, mkTuple(t, uint64(1)))
	if err != nil {
		t.Fatalf("tuple allocation failed: %v", err)
	}
	// Force an old generation to prove the temporary marker wins.
	tup.setHdr(0, tup.version()-1)
	tup.ref()
	used := e.alloc.Used()
	tup.unref()
	if e.alloc.Used() >= used {
		t.Fatalf("temporary-format tuple was deferred")
	}
}

func TestTupleChunk(t *testing.T) {
	e := okEngine(t)
	format := e.NewFormat(1, false)

	payload := []byte("chunk payload")
	off, err := e.TupleChunkNew(format, payload)
	if err != nil {
		t.Fatalf("chunk allocation failed: %v", err)
	}
	if !bytes.Equal(e.TupleChunkData(off), payload) {
		t.Fatalf("chunk payload mismatch")
	}
	var stat db.MemoryStat
	e.MemoryStat(&stat)
	if stat.Data == 0 {
		t.Fatalf("chunk not accounted in data memory")
	}
	e.TupleChunkDelete(off)
	var after db.MemoryStat
	e.MemoryStat(&after)
	if after.Data >= stat.Data {
		t.Fatalf("chunk delete did not release memory")
	}
}
