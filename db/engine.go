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

// Package db declares the surface between the database host and its storage
// engines: the engine capability interface, transactions and statements,
// space and index definitions, and the error kinds shared across the
// boundary. The host consumes these abstractions; engine packages provide
// concrete implementations.
package db

import (
	"github.com/memtx-db/memtx/vclock"
	"github.com/memtx-db/memtx/xlog"
)

// MemoryStat aggregates an engine's live memory use.
type MemoryStat struct {
	Data  uint64 // tuple bytes
	Index uint64 // index bytes
}

// Stream receives rows during an initial replication join.
type Stream interface {
	WriteRow(row *xlog.Row) error
}

// BackupCallback receives the file names making up a checkpoint's backup.
type BackupCallback func(filename string) error

// Engine is the capability interface a storage engine exposes to the host.
//
// The checkpoint methods form a strict protocol: BeginCheckpoint, then
// WaitCheckpoint, then exactly one of CommitCheckpoint or AbortCheckpoint.
// The recovery methods likewise: BeginInitialRecovery, BeginFinalRecovery,
// EndRecovery, with Bootstrap replacing all three on an empty directory.
type Engine interface {
	// Name identifies the engine.
	Name() string

	// Shutdown releases every engine resource, cancelling an in-flight
	// checkpoint and the background workers.
	Shutdown()

	// CreateSpace instantiates a space owned by this engine.
	CreateSpace(def *SpaceDef) (Space, error)

	// Join streams the rows of the checkpoint identified by clock to the
	// given stream, seeding a replica.
	Join(clock vclock.Clock, stream Stream) error

	// Begin attaches the engine to a starting transaction.
	Begin(txn *Txn) error

	// RollbackStatement undoes a single statement. It must not fail.
	RollbackStatement(txn *Txn, stmt *Stmt)

	// Bootstrap initializes an empty data directory from the built-in
	// bootstrap snapshot.
	Bootstrap() error

	// BeginInitialRecovery enters snapshot replay mode.
	BeginInitialRecovery(clock vclock.Clock) error

	// BeginFinalRecovery enters write-ahead-log replay mode.
	BeginFinalRecovery() error

	// EndRecovery completes recovery, building secondary indexes.
	EndRecovery() error

	// RecoverSnapshot replays the snapshot identified by clock.
	RecoverSnapshot(clock vclock.Clock) error

	BeginCheckpoint() error
	WaitCheckpoint(clock vclock.Clock) error
	CommitCheckpoint(clock vclock.Clock)
	AbortCheckpoint()

	// CollectGarbage removes snapshots older than the given clock.
	CollectGarbage(clock vclock.Clock)

	// Backup reports the files a backup of the given checkpoint consists of.
	Backup(clock vclock.Clock, cb BackupCallback) error

	// MemoryStat accumulates the engine's memory use into stat.
	MemoryStat(stat *MemoryStat)
}

// Space is the host's view of a tuple container.
type Space interface {
	ID() uint32
	Name() string
	GroupID() uint32
	Temporary() bool

	// ApplyInitialJoinRow applies a snapshot or join row, bypassing
	// access checks.
	ApplyInitialJoinRow(txn *Txn, req *Request) error
}

// Tuple is the host's handle on an engine-owned record.
type Tuple interface {
	// Data returns the raw record bytes.
	Data() []byte
	// Size returns the record byte length.
	Size() uint32
	// Ref takes a reference on the tuple.
	Ref()
	// Unref drops a reference; the tuple is released on the last drop.
	Unref()
}

// Request is a decoded data-modification row.
type Request struct {
	SpaceID uint32
	Tuple   []byte
}

// DupMode selects the duplicate-key policy of a replace.
type DupMode int

const (
	// DupInsert fails when a tuple with the same primary key exists.
	DupInsert DupMode = iota
	// DupReplace fails unless a tuple with the same primary key exists.
	DupReplace
	// DupReplaceOrInsert accepts both cases.
	DupReplaceOrInsert
)

// SpaceDef describes a space to create.
type SpaceDef struct {
	ID         uint32
	Name       string
	GroupID    uint32
	Temporary  bool
	FieldCount uint32 // indexed field-map width of the space's format
	Indexes    []IndexDef
}

// IndexDef describes one index of a space. Index 0 is the primary.
type IndexDef struct {
	ID     uint32
	Name   string
	Unique bool
	Parts  []KeyPart
}

// KeyPart names one indexed field and its comparison type.
type KeyPart struct {
	Field uint32
	Type  FieldType
}

// FieldType is the comparison domain of a key part.
type FieldType int

const (
	FieldTypeUnsigned FieldType = iota
	FieldTypeString
)
