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
	"errors"
	"testing"
	"time"

	"github.com/memtx-db/memtx/db"
)

func TestReplaceDupModes(t *testing.T) {
	e := okEngine(t)
	sp := oneIndexSpace(t, e, 512, "dup")
	insert(t, e, sp, uint64(1), uint64(10))

	txn, err := db.Begin(e)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	// A second insert under the same key must be rejected.
	req := &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(1), uint64(11))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupInsert); !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("duplicate insert: have %v, want duplicate", err)
	}
	// Strict replace of a missing key must be rejected.
	req = &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(9), uint64(90))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupReplace); !errors.Is(err, db.ErrTupleNotFound) {
		t.Fatalf("strict replace: have %v, want tuple-not-found", err)
	}
	// Replace-or-insert handles both.
	req = &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(1), uint64(12))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupReplaceOrInsert); err != nil {
		t.Fatalf("replace-or-insert over existing failed: %v", err)
	}
	req = &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(9), uint64(90))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupReplaceOrInsert); err != nil {
		t.Fatalf("replace-or-insert over missing failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if sp.Len() != 2 {
		t.Fatalf("space length: have %d, want 2", sp.Len())
	}
}

func TestDeleteByKey(t *testing.T) {
	e := okEngine(t)
	sp := oneIndexSpace(t, e, 512, "del")
	insert(t, e, sp, uint64(1), uint64(10))
	insert(t, e, sp, uint64(2), uint64(20))

	deleteKey(t, e, sp, uint64(1))
	if sp.Len() != 1 {
		t.Fatalf("space length after delete: have %d, want 1", sp.Len())
	}
	txn, _ := db.Begin(e)
	if _, err := sp.ExecuteDelete(txn, mkKey(t, uint64(1))); !errors.Is(err, db.ErrTupleNotFound) {
		t.Fatalf("double delete: have %v, want tuple-not-found", err)
	}
	txn.Rollback()
}

func TestOrderedIteration(t *testing.T) {
	e := okEngine(t)
	sp := oneIndexSpace(t, e, 512, "order")
	for _, k := range []uint64{17, 3, 250, 41, 1, 99, 300, 5} {
		insert(t, e, sp, k, k*10)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pk := sp.PrimaryIndex()
	last := uint64(0)
	err := pk.forEach(func(tup Tuple) error {
		key, err := pk.keyOf(tup)
		if err != nil {
			return err
		}
		if key[0].num <= last && last != 0 {
			t.Fatalf("iteration out of order: %d after %d", key[0].num, last)
		}
		last = key[0].num
		return nil
	})
	if err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
}

func TestBlockSplit(t *testing.T) {
	e := okEngine(t)
	sp := oneIndexSpace(t, e, 512, "split")
	// Enough tuples to overflow a single extent of references, inserted
	// in a zig-zag so splits happen mid-block too.
	n := extentEntries + extentEntries/2
	for i := 0; i < n; i++ {
		k := uint64(i)
		if i%2 == 1 {
			k = uint64(2*n - i)
		}
		insert(t, e, sp, k, uint64(1))
	}
	if sp.Len() != n {
		t.Fatalf("length after splits: have %d, want %d", sp.Len(), n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pk := sp.PrimaryIndex()
	if len(pk.blocks) < 2 {
		t.Fatalf("expected multiple blocks, have %d", len(pk.blocks))
	}
	count := 0
	var last uint64
	pk.forEach(func(tup Tuple) error {
		key := pk.mustKeyOf(tup)
		if count > 0 && key[0].num <= last {
			t.Fatalf("order broken after split: %d after %d", key[0].num, last)
		}
		last = key[0].num
		count++
		return nil
	})
	if count != n {
		t.Fatalf("iterated %d entries, want %d", count, n)
	}
}

func TestSecondaryMaintenance(t *testing.T) {
	e := okEngine(t)
	sp := twoIndexSpace(t, e, 512, "secondary")
	insert(t, e, sp, uint64(1), uint64(100))
	insert(t, e, sp, uint64(2), uint64(200))

	if pk, sk := sp.Index(0).Len(), sp.Index(1).Len(); pk != sk || pk != 2 {
		t.Fatalf("index sizes diverged: primary %d, secondary %d", pk, sk)
	}
	// A secondary-unique violation must fail the whole statement and
	// leave both indexes untouched.
	txn, _ := db.Begin(e)
	req := &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(3), uint64(100))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupInsert); !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("secondary violation: have %v, want duplicate", err)
	}
	txn.Rollback()
	if pk, sk := sp.Index(0).Len(), sp.Index(1).Len(); pk != 2 || sk != 2 {
		t.Fatalf("failed statement left residue: primary %d, secondary %d", pk, sk)
	}

	deleteKey(t, e, sp, uint64(1))
	if pk, sk := sp.Index(0).Len(), sp.Index(1).Len(); pk != 1 || sk != 1 {
		t.Fatalf("delete missed an index: primary %d, secondary %d", pk, sk)
	}
}

func TestRollbackStatement(t *testing.T) {
	e := okEngine(t)
	sp := twoIndexSpace(t, e, 512, "rollback")
	insert(t, e, sp, uint64(1), uint64(100))
	bsize := sp.Bsize()

	txn, err := db.Begin(e)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	req := &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, uint64(1), uint64(999))}
	if _, err := sp.ExecuteReplace(txn, req, db.DupReplaceOrInsert); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	txn.Rollback()

	if sp.Bsize() != bsize {
		t.Fatalf("rollback did not restore bsize: have %d, want %d", sp.Bsize(), bsize)
	}
	// The original tuple must be back in both indexes.
	e.mu.Lock()
	defer e.mu.Unlock()
	pk := sp.PrimaryIndex()
	tup, found := pk.Get([]keyVal{{num: 1}})
	if !found {
		t.Fatalf("old tuple gone after rollback")
	}
	key := sp.Index(1).mustKeyOf(tup)
	if key[0].num != 100 {
		t.Fatalf("rollback revived the wrong tuple: secondary key %d", key[0].num)
	}
	if sp.Index(1).Len() != 1 {
		t.Fatalf("secondary length after rollback: %d", sp.Index(1).Len())
	}
}

// After reserve(N), the next N extent allocations must succeed without
// touching the pool even if it is failing.
func TestExtentReservationGuarantee(t *testing.T) {
	e := okEngine(t)

	e.mu.Lock()
	if err := e.extentReserveLocked(8); err != nil {
		e.mu.Unlock()
		t.Fatalf("reservation failed: %v", err)
	}
	e.mu.Unlock()

	errInjExtentAlloc = func() error { return db.ErrOutOfMemory }
	defer func() { errInjExtentAlloc = nil }()

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < 8; i++ {
		if _, err := e.extentAlloc(); err != nil {
			t.Fatalf("reserved allocation %d failed: %v", i, err)
		}
	}
	if _, err := e.extentAlloc(); !errors.Is(err, db.ErrOutOfMemory) {
		t.Fatalf("ninth allocation: have %v, want out-of-memory", err)
	}
}

func TestReservationTopUp(t *testing.T) {
	e := okEngine(t)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.extentReserveLocked(4); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}
	if e.reservedCount != 4 {
		t.Fatalf("reserved count: have %d, want 4", e.reservedCount)
	}
	// A smaller reservation is already satisfied.
	if err := e.extentReserveLocked(2); err != nil {
		t.Fatalf("re-reservation failed: %v", err)
	}
	if e.reservedCount != 4 {
		t.Fatalf("re-reservation shrank the list: %d", e.reservedCount)
	}
	if _, err := e.extentAlloc(); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if e.reservedCount != 3 {
		t.Fatalf("allocation did not consume a reserved extent: %d", e.reservedCount)
	}
}

func TestSnapshotIteratorConsistency(t *testing.T) {
	e := okEngine(t)
	sp := oneIndexSpace(t, e, 512, "view")
	for i := uint64(1); i <= 10; i++ {
		insert(t, e, sp, i, i*10)
	}

	e.mu.Lock()
	it, err := sp.PrimaryIndex().createSnapshotIterator()
	e.mu.Unlock()
	if err != nil {
		t.Fatalf("iterator creation failed: %v", err)
	}

	// Mutate the live index: the view must not notice.
	deleteKey(t, e, sp, uint64(5))
	insert(t, e, sp, uint64(11), uint64(110))

	seen := 0
	for {
		data, err := it.Next()
		if err != nil {
			t.Fatalf("iterator failed: %v", err)
		}
		if data == nil {
			break
		}
		seen++
	}
	if seen != 10 {
		t.Fatalf("read view yielded %d tuples, want the 10 captured", seen)
	}
	e.mu.Lock()
	it.free()
	e.mu.Unlock()
}

func TestIndexDropReclaimsExtents(t *testing.T) {
	e := okEngine(t)
	sp := twoIndexSpace(t, e, 512, "drop")
	for i := uint64(1); i <= 100; i++ {
		insert(t, e, sp, i, i+1000)
	}
	e.mu.Lock()
	before := e.extentPool.Used()
	e.mu.Unlock()
	if before == 0 {
		t.Fatalf("no extent usage to reclaim")
	}
	if err := sp.DropIndex(1); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	// The GC worker frees the extents in the background.
	deadline := time.Now().Add(5 * time.Second)
	for {
		e.mu.Lock()
		used := e.extentPool.Used()
		e.mu.Unlock()
		if used < before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dropped index extents never returned to the pool")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
