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
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/memtx-db/memtx/db"
)

// reserveExtents is preallocated before every index-mutating statement so
// the mutation itself cannot die of memory pressure halfway through.
const reserveExtents = 16

// errNoFunctionalIndexes fails every mutation of a space that has no
// index yet.
var errNoFunctionalIndexes = errors.New("memtx: space has no functional indexes yet")

// replaceFunc is the per-space mutation selector. Which one is installed
// depends on the space and the recovery state: a space without indexes
// fails all mutations, during snapshot and WAL replay only the primary is
// maintained, and in steady state every index is.
type replaceFunc func(sp *Space, old, new Tuple, mode db.DupMode) (Tuple, error)

// replaceMode names the installed selector; Go function values are not
// comparable, so the selector travels with its tag.
type replaceMode int

const (
	replaceModeBuilding replaceMode = iota
	replaceModePrimaryKey
	replaceModeAllKeys
)

// setReplace installs a selector together with its tag.
func (sp *Space) setReplace(mode replaceMode) {
	sp.mode = mode
	switch mode {
	case replaceModeBuilding:
		sp.replace = spaceReplaceBuildingPrimary
	case replaceModePrimaryKey:
		sp.replace = spaceReplacePrimaryKey
	case replaceModeAllKeys:
		sp.replace = spaceReplaceAllKeys
	}
}

// Space is a named tuple container with a primary index and derived
// secondaries.
type Space struct {
	e *Engine

	id        uint32
	name      string
	groupID   uint32
	temporary bool

	format  *Format
	indexes []*TreeIndex
	replace replaceFunc
	mode    replaceMode

	bsize uint64
}

// ID implements db.Space.
func (sp *Space) ID() uint32 { return sp.id }

// Name implements db.Space.
func (sp *Space) Name() string { return sp.name }

// GroupID implements db.Space.
func (sp *Space) GroupID() uint32 { return sp.groupID }

// Temporary implements db.Space.
func (sp *Space) Temporary() bool { return sp.temporary }

// Bsize returns the sum of the byte sizes of the space's tuples.
func (sp *Space) Bsize() uint64 { return sp.bsize }

// PrimaryIndex returns the space's primary index, or nil.
func (sp *Space) PrimaryIndex() *TreeIndex {
	if len(sp.indexes) == 0 {
		return nil
	}
	return sp.indexes[0]
}

// Index returns the index with the given id, or nil.
func (sp *Space) Index(id uint32) *TreeIndex {
	for _, ix := range sp.indexes {
		if ix.def.ID == id {
			return ix
		}
	}
	return nil
}

// Len returns the number of tuples logically present in the space.
func (sp *Space) Len() int {
	pk := sp.PrimaryIndex()
	if pk == nil {
		return 0
	}
	return pk.Len()
}

func spaceReplaceBuildingPrimary(sp *Space, old, new Tuple, mode db.DupMode) (Tuple, error) {
	return Tuple{}, errNoFunctionalIndexes
}

func spaceReplacePrimaryKey(sp *Space, old, new Tuple, mode db.DupMode) (Tuple, error) {
	return sp.indexes[0].replace(old, new, mode)
}

func spaceReplaceAllKeys(sp *Space, old, new Tuple, mode db.DupMode) (Tuple, error) {
	pk := sp.indexes[0]
	replaced, err := pk.replace(old, new, mode)
	if err != nil {
		return Tuple{}, err
	}
	if old.IsNil() {
		old = replaced
	}
	for i := 1; i < len(sp.indexes); i++ {
		if _, err := sp.indexes[i].replace(old, new, db.DupInsert); err != nil {
			// Walk the already updated indexes back; undo must not fail.
			for j := i - 1; j >= 1; j-- {
				if _, uerr := sp.indexes[j].replace(new, old, db.DupInsert); uerr != nil {
					panic("memtx: failed to undo index replace: " + uerr.Error())
				}
			}
			if _, uerr := pk.replace(new, replaced, db.DupInsert); uerr != nil {
				panic("memtx: failed to undo primary replace: " + uerr.Error())
			}
			return Tuple{}, err
		}
	}
	return replaced, nil
}

// updateBsize accounts a replace of old by new in the space's byte size.
func (sp *Space) updateBsize(old, new Tuple) {
	if !old.IsNil() {
		sp.bsize -= uint64(old.Size())
	}
	if !new.IsNil() {
		sp.bsize += uint64(new.Size())
	}
}

// ExecuteReplace runs an insert/replace statement: builds the tuple,
// reserves index memory, routes the mutation through the space's replace
// selector and records the statement for commit or rollback.
func (sp *Space) ExecuteReplace(txn *db.Txn, req *db.Request, mode db.DupMode) (db.Tuple, error) {
	sp.e.mu.Lock()
	defer sp.e.mu.Unlock()

	new, err := sp.e.tupleNew(sp.format, req.Tuple)
	if err != nil {
		return nil, err
	}
	new.ref()
	if err := sp.e.extentReserveLocked(reserveExtents); err != nil {
		new.unref()
		return nil, err
	}
	old, err := sp.replace(sp, Tuple{}, new, mode)
	if err != nil {
		new.unref()
		return nil, err
	}
	stmt := txn.NewStatement(sp)
	if !old.IsNil() {
		stmt.Old = old
	}
	stmt.New = new
	stmt.Savepoint = true
	sp.updateBsize(old, new)
	return new, nil
}

// ExecuteDelete runs a delete statement. key is a msgpack array of the
// primary key fields.
func (sp *Space) ExecuteDelete(txn *db.Txn, key []byte) (db.Tuple, error) {
	sp.e.mu.Lock()
	defer sp.e.mu.Unlock()

	pk := sp.PrimaryIndex()
	if pk == nil {
		return nil, errNoFunctionalIndexes
	}
	kv, err := decodeKey(key, pk.def.Parts)
	if err != nil {
		return nil, err
	}
	old, found := pk.Get(kv)
	if !found {
		return nil, fmt.Errorf("%w: space %q", db.ErrTupleNotFound, sp.name)
	}
	if err := sp.e.extentReserveLocked(reserveExtents); err != nil {
		return nil, err
	}
	if _, err := sp.replace(sp, old, Tuple{}, db.DupInsert); err != nil {
		return nil, err
	}
	stmt := txn.NewStatement(sp)
	stmt.Old = old
	stmt.Savepoint = true
	sp.updateBsize(old, Tuple{})
	return old, nil
}

// ApplyInitialJoinRow implements db.Space: it applies a snapshot or join
// row with no access checks, through whatever replace selector the
// recovery state has installed.
func (sp *Space) ApplyInitialJoinRow(txn *db.Txn, req *db.Request) error {
	_, err := sp.ExecuteReplace(txn, req, db.DupInsert)
	return err
}

// decodeKey parses a msgpack key array against the given parts.
func decodeKey(key []byte, parts []db.KeyPart) ([]keyVal, error) {
	n, pos, err := mpArrayHeader(key, 0)
	if err != nil {
		return nil, err
	}
	if int(n) != len(parts) {
		return nil, formatErr("key part count mismatch")
	}
	out := make([]keyVal, n)
	for i := range out {
		v, err := mpReadKey(key, pos, parts[i].Type)
		if err != nil {
			return nil, err
		}
		out[i] = v
		if pos, err = mpNext(key, pos); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DropIndex detaches an index and hands its extents to the GC worker. The
// primary index of a non-empty space cannot be dropped.
func (sp *Space) DropIndex(id uint32) error {
	sp.e.mu.Lock()
	defer sp.e.mu.Unlock()

	for i, ix := range sp.indexes {
		if ix.def.ID != id {
			continue
		}
		if i == 0 && ix.Len() > 0 {
			return fmt.Errorf("memtx: cannot drop the primary index of non-empty space %q", sp.name)
		}
		exts := make([]uint64, 0, len(ix.blocks))
		for _, blk := range ix.blocks {
			exts = append(exts, blk.ext)
		}
		ix.blocks = nil
		sp.indexes = append(sp.indexes[:i], sp.indexes[i+1:]...)
		sp.e.gcQueue = append(sp.e.gcQueue, &indexDropTask{e: sp.e, exts: exts})
		sp.e.wakeGC()
		log.Debug("Index drop scheduled", "space", sp.name, "index", ix.def.Name, "extents", len(exts))
		return nil
	}
	return fmt.Errorf("memtx: space %q has no index %d", sp.name, id)
}
