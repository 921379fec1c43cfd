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
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/memtx-db/memtx/db"
	"github.com/memtx-db/memtx/vclock"
	"github.com/memtx-db/memtx/xlog"
)

// newTestEngine builds an engine over a scratch directory.
func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.SnapDir == "" {
		cfg.SnapDir = t.TempDir()
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

// okEngine builds an engine already in steady state, so spaces created by
// the test maintain all of their indexes.
func okEngine(t *testing.T) *Engine {
	t.Helper()
	e := newTestEngine(t, Config{})
	e.mu.Lock()
	e.state = StateOK
	e.mu.Unlock()
	return e
}

// mkTuple encodes a record from its fields.
func mkTuple(t *testing.T, fields ...interface{}) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to encode tuple: %v", err)
	}
	return raw
}

// mkKey encodes a primary key array.
func mkKey(t *testing.T, fields ...interface{}) []byte {
	return mkTuple(t, fields...)
}

// oneIndexSpace creates a space with a single unsigned primary key.
func oneIndexSpace(t *testing.T, e *Engine, id uint32, name string) *Space {
	t.Helper()
	sp, err := e.CreateSpace(&db.SpaceDef{
		ID: id, Name: name, FieldCount: 2,
		Indexes: []db.IndexDef{{
			ID: 0, Name: "primary", Unique: true,
			Parts: []db.KeyPart{{Field: 0, Type: db.FieldTypeUnsigned}},
		}},
	})
	if err != nil {
		t.Fatalf("failed to create space: %v", err)
	}
	return sp.(*Space)
}

// twoIndexSpace creates a space with an unsigned primary key and a unique
// unsigned secondary over the second field.
func twoIndexSpace(t *testing.T, e *Engine, id uint32, name string) *Space {
	t.Helper()
	sp, err := e.CreateSpace(&db.SpaceDef{
		ID: id, Name: name, FieldCount: 2,
		Indexes: []db.IndexDef{
			{
				ID: 0, Name: "primary", Unique: true,
				Parts: []db.KeyPart{{Field: 0, Type: db.FieldTypeUnsigned}},
			},
			{
				ID: 1, Name: "value", Unique: true,
				Parts: []db.KeyPart{{Field: 1, Type: db.FieldTypeUnsigned}},
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to create space: %v", err)
	}
	return sp.(*Space)
}

// insert commits one replace statement.
func insert(t *testing.T, e *Engine, sp *Space, fields ...interface{}) {
	t.Helper()
	txn, err := db.Begin(e)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	req := &db.Request{SpaceID: sp.ID(), Tuple: mkTuple(t, fields...)}
	if _, err := sp.ExecuteReplace(txn, req, db.DupInsert); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

// deleteKey commits one delete statement.
func deleteKey(t *testing.T, e *Engine, sp *Space, fields ...interface{}) {
	t.Helper()
	txn, err := db.Begin(e)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := sp.ExecuteDelete(txn, mkKey(t, fields...)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

// snapRow is one decoded snapshot row for comparisons.
type snapRow struct {
	spaceID uint32
	tuple   string
}

// readSnapshotRows decodes every row of a snapshot file.
func readSnapshotRows(t *testing.T, path string) []snapRow {
	t.Helper()
	cur, err := xlog.Open(path)
	if err != nil {
		t.Fatalf("failed to open snapshot: %v", err)
	}
	defer cur.Close()
	var (
		row  xlog.Row
		rows []snapRow
	)
	for {
		ok, err := cur.Next(&row, false)
		if err != nil {
			t.Fatalf("failed to read snapshot: %v", err)
		}
		if !ok {
			break
		}
		spaceID, tuple, err := xlog.DecodeInsertBody(row.Body)
		if err != nil {
			t.Fatalf("failed to decode row body: %v", err)
		}
		rows = append(rows, snapRow{spaceID: spaceID, tuple: string(tuple)})
	}
	if !cur.IsEOF() {
		t.Fatalf("snapshot %s misses the EOF marker", path)
	}
	return rows
}

// checkpointTo runs the full begin/wait/commit protocol.
func checkpointTo(t *testing.T, e *Engine, clock vclock.Clock) {
	t.Helper()
	if err := e.BeginCheckpoint(); err != nil {
		t.Fatalf("begin checkpoint failed: %v", err)
	}
	if err := e.WaitCheckpoint(clock); err != nil {
		t.Fatalf("wait checkpoint failed: %v", err)
	}
	e.CommitCheckpoint(clock)
}
