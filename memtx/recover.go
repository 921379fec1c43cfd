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
	"fmt"
	"runtime"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/memtx-db/memtx/db"
	"github.com/memtx-db/memtx/vclock"
	"github.com/memtx-db/memtx/xlog"
)

// recoveryYieldRows is how often the recovery loop reports progress and
// yields to the scheduler.
const recoveryYieldRows = 100000

// RecoverSnapshot implements db.Engine: replay the snapshot identified by
// clock into the spaces. Per-row failures abort recovery unless the
// engine runs in force-recovery mode, where they are logged and skipped.
// A snapshot without the EOF marker is presumed corrupt and fatal.
func (e *Engine) RecoverSnapshot(clock vclock.Clock) error {
	path := e.snapDir.Format(clock.Sum(), false)
	log.Info("Recovering from snapshot", "path", path)
	cur, err := xlog.Open(path)
	if err != nil {
		return err
	}
	defer cur.Close()

	var (
		row   xlog.Row
		count uint64
	)
	for {
		ok, err := cur.Next(&row, e.forceRecovery)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := e.recoverRow(&row); err != nil {
			if !e.forceRecovery {
				return err
			}
			log.Error("Can't apply snapshot row", "lsn", row.LSN, "err", err)
		}
		count++
		if count%recoveryYieldRows == 0 {
			log.Info("Snapshot rows processed", "rows", count)
			runtime.Gosched()
		}
	}
	if !cur.IsEOF() {
		panic(fmt.Sprintf("memtx: snapshot %s has no EOF marker", path))
	}
	log.Info("Snapshot recovered", "path", path, "rows", count)
	return nil
}

// recoverRow applies one snapshot row inside its own transaction,
// bypassing access checks the way a replication applier does.
func (e *Engine) recoverRow(row *xlog.Row) error {
	if row.Type != xlog.RowInsert {
		return fmt.Errorf("%w: %d", db.ErrUnknownRequestType, row.Type)
	}
	spaceID, tuple, err := xlog.DecodeInsertBody(row.Body)
	if err != nil {
		return err
	}
	e.mu.Lock()
	sp := e.spaces[spaceID]
	cross := e.foreign[spaceID]
	e.mu.Unlock()
	if sp == nil {
		if cross {
			return fmt.Errorf("%w: space %d", db.ErrCrossEngine, spaceID)
		}
		return fmt.Errorf("%w: %d", db.ErrNoSuchSpace, spaceID)
	}
	txn, err := db.Begin(e)
	if err != nil {
		return err
	}
	req := &db.Request{SpaceID: spaceID, Tuple: tuple}
	if err := sp.ApplyInitialJoinRow(txn, req); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// Join implements db.Engine: stream the rows of the checkpoint identified
// by clock to the given stream from a dedicated goroutine; used to seed a
// replica without touching live memory.
func (e *Engine) Join(clock vclock.Clock, stream db.Stream) error {
	path := e.snapDir.Format(clock.Sum(), false)
	done := make(chan error, 1)
	go func() {
		done <- joinStream(path, stream)
	}()
	return <-done
}

func joinStream(path string, stream db.Stream) error {
	cur, err := xlog.Open(path)
	if err != nil {
		return err
	}
	defer cur.Close()

	var row xlog.Row
	for {
		ok, err := cur.Next(&row, true)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := stream.WriteRow(&row); err != nil {
			return err
		}
	}
	if !cur.IsEOF() {
		panic(fmt.Sprintf("memtx: snapshot %s has no EOF marker", path))
	}
	return nil
}

// SchemaSpaceID is the id of the system space seeded by Bootstrap.
const SchemaSpaceID = 272

// schemaVersion is the engine's on-disk schema version, recorded in the
// bootstrap image.
var schemaVersion = []interface{}{"version", 2, 11}

// Bootstrap implements db.Engine: initialize an empty data directory.
// The engine jumps straight to steady state, creates the schema system
// space and replays the built-in bootstrap image through the regular
// snapshot reader path.
func (e *Engine) Bootstrap() error {
	e.mu.Lock()
	if e.state != StateInitialized {
		e.mu.Unlock()
		panic("memtx: bootstrap in state " + e.state.String())
	}
	e.state = StateOK
	e.mu.Unlock()

	log.Info("Initializing an empty data directory")
	if _, err := e.CreateSpace(&db.SpaceDef{
		ID:         SchemaSpaceID,
		Name:       "_schema",
		FieldCount: 1,
		Indexes: []db.IndexDef{{
			ID: 0, Name: "primary", Unique: true,
			Parts: []db.KeyPart{{Field: 0, Type: db.FieldTypeString}},
		}},
	}); err != nil {
		return err
	}

	image, err := bootstrapImage(e.instance)
	if err != nil {
		return err
	}
	cur, err := xlog.OpenMem("bootstrap", image)
	if err != nil {
		return err
	}
	defer cur.Close()
	var row xlog.Row
	for {
		ok, err := cur.Next(&row, true)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := e.recoverRow(&row); err != nil {
			return err
		}
	}
	return nil
}

// bootstrapImage synthesizes the bootstrap snapshot: the schema version
// and the instance identity, in the regular snapshot format.
func bootstrapImage(instance string) ([]byte, error) {
	tuples := [][]interface{}{
		schemaVersion,
		{"instance", instance},
	}
	rows := make([]*xlog.Row, 0, len(tuples))
	for i, fields := range tuples {
		raw, err := msgpack.Marshal(fields)
		if err != nil {
			return nil, err
		}
		body, err := xlog.EncodeInsertBody(SchemaSpaceID, raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &xlog.Row{
			Type: xlog.RowInsert,
			LSN:  int64(i + 1),
			Body: body,
		})
	}
	return xlog.WriteMem(xlog.Meta{Instance: instance, Clock: vclock.New()}, rows)
}
