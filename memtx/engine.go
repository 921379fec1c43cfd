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

// Package memtx implements the in-memory storage engine: tuple and index
// memory management with a copy-on-write snapshot discipline, crash
// consistent checkpointing to disk, snapshot recovery and replica join,
// and cooperative garbage collection of deferred reclamation work.
package memtx

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/memtx-db/memtx/db"
	"github.com/memtx-db/memtx/mem"
	"github.com/memtx-db/memtx/vclock"
	"github.com/memtx-db/memtx/xlog"
)

const (
	// ExtentSize is the fixed block size of index memory.
	ExtentSize = 16 * 1024

	// MaxTupleSizeDefault bounds tuple allocations until reconfigured.
	MaxTupleSizeDefault = 1024 * 1024
)

const nilExtent = ^uint64(0)

// State is the engine's recovery state.
type State int

const (
	// StateInitialized is the state right after construction.
	StateInitialized State = iota
	// StateInitialRecovery covers snapshot replay: spaces maintain only
	// their primary index, loaded in key order.
	StateInitialRecovery
	// StateFinalRecovery covers WAL replay, still on primary keys only.
	StateFinalRecovery
	// StateOK is steady state: every index of every space is maintained.
	StateOK
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateInitialRecovery:
		return "initial-recovery"
	case StateFinalRecovery:
		return "final-recovery"
	case StateOK:
		return "ok"
	}
	return "unknown"
}

// Config carries the engine's construction and runtime knobs.
type Config struct {
	SnapDir       string
	ForceRecovery bool

	ArenaMaxSize uint64  // tuple arena byte budget
	ObjsizeMin   uint32  // smallest allocation class
	AllocFactor  float64 // class growth factor
	Dontdump     bool    // exclude arena pages from core dumps

	SnapIORateLimit float64 // MiB/s, 0 disables throttling
	MaxTupleSize    uint32
}

// DefaultConfig holds sane defaults for tests and embedders.
var DefaultConfig = Config{
	ArenaMaxSize: 256 * 1024 * 1024,
	ObjsizeMin:   mem.ObjsizeMinFloor,
	AllocFactor:  1.05,
	MaxTupleSize: MaxTupleSizeDefault,
}

// errInjExtentAlloc, when set, fails extent pool allocations; used by
// tests to exercise the reservation guarantee.
var errInjExtentAlloc func() error

// Engine is the memtx storage engine. One instance owns an arena, the
// tuple and index allocators, the snapshot directory and the background
// GC worker. All mutating entry points serialize on mu; the snapshot
// writer goroutine runs outside it and only reads memory pinned by its
// read view.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	quota      *mem.Quota
	arena      *mem.Arena
	slabCache  *mem.SlabCache
	alloc      *mem.SmallAlloc
	indexSlabs *mem.SlabCache
	extentPool *mem.Pool

	reservedHead  uint64
	reservedCount int

	snapDir  *xlog.Dir
	instance string

	state           State
	snapshotVersion uint32
	forceRecovery   bool
	maxTupleSize    uint32
	snapRateLimit   float64 // bytes per second

	spaces     map[uint32]*Space
	spaceList  []*Space // insertion order, drives checkpoint order
	foreign    map[uint32]bool
	formats    map[uint32]*Format
	nextFormatID uint32

	gcQueue  []GCTask
	gcToFree []GCTask
	gcWake   chan struct{}
	gcQuit   chan struct{}
	gcDone   chan struct{}

	closeOnce sync.Once

	checkpoint *checkpoint
}

// New constructs an engine over the given snapshot directory and memory
// budget and starts its GC worker.
func New(cfg Config) (*Engine, error) {
	if cfg.ArenaMaxSize == 0 {
		cfg.ArenaMaxSize = DefaultConfig.ArenaMaxSize
	}
	if cfg.AllocFactor == 0 {
		cfg.AllocFactor = DefaultConfig.AllocFactor
	}
	if cfg.MaxTupleSize == 0 {
		cfg.MaxTupleSize = DefaultConfig.MaxTupleSize
	}
	dir, err := xlog.NewDir(cfg.SnapDir)
	if err != nil {
		return nil, err
	}
	if err := dir.Scan(); err != nil {
		return nil, err
	}
	instance, err := dir.Instance()
	if err != nil && !cfg.ForceRecovery {
		return nil, err
	}
	if instance == "" {
		var raw [16]byte
		rand.Read(raw[:])
		instance = hex.EncodeToString(raw[:])
	}

	quota := mem.NewQuota(cfg.ArenaMaxSize)
	arena, err := mem.NewArena(quota, cfg.ArenaMaxSize, cfg.Dontdump)
	if err != nil {
		return nil, err
	}
	slabCache := mem.NewSlabCache(arena)
	indexSlabs := mem.NewSlabCache(arena)

	e := &Engine{
		cfg:           cfg,
		quota:         quota,
		arena:         arena,
		slabCache:     slabCache,
		alloc:         mem.NewSmallAlloc(slabCache, cfg.ObjsizeMin, cfg.AllocFactor),
		indexSlabs:    indexSlabs,
		extentPool:    mem.NewPool(indexSlabs, ExtentSize),
		reservedHead:  nilExtent,
		snapDir:       dir,
		instance:      instance,
		state:         StateInitialized,
		forceRecovery: cfg.ForceRecovery,
		maxTupleSize:  cfg.MaxTupleSize,
		snapRateLimit: cfg.SnapIORateLimit * 1024 * 1024,
		spaces:        make(map[uint32]*Space),
		foreign:       make(map[uint32]bool),
		formats:       make(map[uint32]*Format),
		gcWake:        make(chan struct{}, 1),
		gcQuit:        make(chan struct{}),
		gcDone:        make(chan struct{}),
	}
	go e.gcLoop()
	log.Info("Memtx engine started", "dir", cfg.SnapDir, "memory", cfg.ArenaMaxSize,
		"force_recovery", cfg.ForceRecovery)
	return e, nil
}

// Name implements db.Engine.
func (e *Engine) Name() string { return "memtx" }

// State returns the engine's recovery state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Shutdown implements db.Engine: it cancels an in-flight checkpoint,
// stops the GC worker and releases the arena.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		ckpt := e.checkpoint
		e.mu.Unlock()
		if ckpt != nil {
			e.cancelCheckpoint(ckpt)
		}
		close(e.gcQuit)
		<-e.gcDone
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.arena.Close(); err != nil {
			log.Warn("Failed to unmap arena", "err", err)
		}
	})
}

// CreateSpace implements db.Engine. The replace selector installed on the
// new space depends on the recovery state: spaces created during recovery
// keep their secondaries disabled until EndRecovery.
func (e *Engine) CreateSpace(def *db.SpaceDef) (db.Space, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.spaces[def.ID]; ok {
		return nil, fmt.Errorf("memtx: duplicate space id %d", def.ID)
	}
	format := &Format{e: e, id: e.nextFormatID, fieldCount: def.FieldCount, temporary: def.Temporary}
	e.nextFormatID++
	e.formats[format.id] = format

	sp := &Space{
		e:         e,
		id:        def.ID,
		name:      def.Name,
		groupID:   def.GroupID,
		temporary: def.Temporary,
		format:    format,
	}
	for _, ixDef := range def.Indexes {
		sp.indexes = append(sp.indexes, newTreeIndex(sp, ixDef))
	}
	switch {
	case len(sp.indexes) == 0:
		sp.setReplace(replaceModeBuilding)
	case e.state == StateOK:
		sp.setReplace(replaceModeAllKeys)
	default:
		sp.setReplace(replaceModePrimaryKey)
	}
	e.spaces[sp.id] = sp
	e.spaceList = append(e.spaceList, sp)
	return sp, nil
}

// NoteForeignSpace registers a space id owned by another engine, so
// snapshot rows targeting it are rejected as cross-engine instead of
// unknown.
func (e *Engine) NoteForeignSpace(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.foreign[id] = true
}

// Begin implements db.Engine: statements must not suspend, or a yield in
// the middle of a multi-index update would expose a half-written space.
func (e *Engine) Begin(txn *db.Txn) error {
	txn.CanYield = false
	return nil
}

// RollbackStatement implements db.Engine. Rollback must not fail: any
// index error here means the engine state is beyond repair.
func (e *Engine) RollbackStatement(txn *db.Txn, stmt *db.Stmt) {
	if stmt.Old == nil && stmt.New == nil {
		return
	}
	if !stmt.Savepoint {
		return
	}
	sp := stmt.Space.(*Space)
	e.mu.Lock()
	defer e.mu.Unlock()

	var count int
	switch sp.mode {
	case replaceModeAllKeys:
		count = len(sp.indexes)
	case replaceModePrimaryKey:
		count = 1
	default:
		panic("memtx: transaction rolled back during snapshot recovery")
	}

	var old, new Tuple
	if stmt.Old != nil {
		old = stmt.Old.(Tuple)
	}
	if stmt.New != nil {
		new = stmt.New.(Tuple)
	}
	for i := 0; i < count; i++ {
		if _, err := sp.indexes[i].replace(new, old, db.DupInsert); err != nil {
			panic("memtx: failed to rollback index replace: " + err.Error())
		}
	}
	sp.updateBsize(new, old)
	if !old.IsNil() {
		old.ref()
	}
	if !new.IsNil() {
		new.unref()
	}
	stmt.Savepoint = false
}

// BeginInitialRecovery implements db.Engine. In force-recovery mode the
// engine jumps straight to steady state so unique secondaries are built
// eagerly and catch duplicates hiding in a damaged snapshot.
func (e *Engine) BeginInitialRecovery(clock vclock.Clock) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInitialized {
		panic("memtx: begin initial recovery in state " + e.state.String())
	}
	if e.forceRecovery {
		e.state = StateOK
	} else {
		e.state = StateInitialRecovery
	}
	return nil
}

// BeginFinalRecovery implements db.Engine: the primary keys finished
// their bulk load; either replay the WAL on primaries only, or, in
// force-recovery mode, build all secondaries right now.
func (e *Engine) BeginFinalRecovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateOK {
		return nil
	}
	if e.state != StateInitialRecovery {
		panic("memtx: begin final recovery in state " + e.state.String())
	}
	for _, sp := range e.spaceList {
		if pk := sp.PrimaryIndex(); pk != nil && sp.mode != replaceModeAllKeys {
			pk.EndBuild()
		}
	}
	if !e.forceRecovery {
		e.state = StateFinalRecovery
		return nil
	}
	e.state = StateOK
	return e.buildSecondaryKeysLocked()
}

// EndRecovery implements db.Engine: bulk-build every secondary and sweep
// stale in-progress snapshot files.
func (e *Engine) EndRecovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOK {
		if e.state != StateFinalRecovery {
			panic("memtx: end recovery in state " + e.state.String())
		}
		e.state = StateOK
		if err := e.buildSecondaryKeysLocked(); err != nil {
			return err
		}
	}
	e.snapDir.CollectInprogress()
	return nil
}

// buildSecondaryKeysLocked populates the secondaries of every space still
// running on its primary key only, then enables full maintenance.
func (e *Engine) buildSecondaryKeysLocked() error {
	for _, sp := range e.spaceList {
		pk := sp.PrimaryIndex()
		if pk == nil || sp.mode == replaceModeAllKeys {
			continue
		}
		if len(sp.indexes) > 1 && pk.Len() > 0 {
			log.Info("Building secondary indexes", "space", sp.name, "tuples", pk.Len())
		}
		for i := 1; i < len(sp.indexes); i++ {
			if err := sp.indexes[i].Build(pk); err != nil {
				return err
			}
		}
		sp.setReplace(replaceModeAllKeys)
	}
	return nil
}

// extentAlloc hands out one index extent, preferring the reserved list,
// then the pool with a GC-retry.
func (e *Engine) extentAlloc() (uint64, error) {
	if e.reservedHead != nilExtent {
		off := e.reservedHead
		e.reservedHead = binary.LittleEndian.Uint64(e.extentPool.Bytes(off))
		e.reservedCount--
		return off, nil
	}
	if errInjExtentAlloc != nil {
		if err := errInjExtentAlloc(); err != nil {
			return 0, err
		}
	}
	for {
		off, err := e.extentPool.Alloc()
		if err == nil {
			return off, nil
		}
		if !e.runGCStepLocked() {
			return 0, fmt.Errorf("%w: index extent", db.ErrOutOfMemory)
		}
	}
}

// extentFree returns an extent straight to the pool, never to the
// reserved list.
func (e *Engine) extentFree(off uint64) {
	e.extentPool.Free(off)
}

// extentReserveLocked tops the reserved list up to n extents, so the next
// n extentAlloc calls cannot fail.
func (e *Engine) extentReserveLocked(n int) error {
	if errInjExtentAlloc != nil && e.reservedCount < n {
		if err := errInjExtentAlloc(); err != nil {
			return err
		}
	}
	for e.reservedCount < n {
		var off uint64
		for {
			var err error
			if off, err = e.extentPool.Alloc(); err == nil {
				break
			}
			if !e.runGCStepLocked() {
				return fmt.Errorf("%w: index extent reservation", db.ErrOutOfMemory)
			}
		}
		binary.LittleEndian.PutUint64(e.extentPool.Bytes(off), e.reservedHead)
		e.reservedHead = off
		e.reservedCount++
	}
	return nil
}

// ReservedExtents returns the current reservation depth.
func (e *Engine) ReservedExtents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reservedCount
}

// MemoryStat implements db.Engine: live tuple bytes and index bytes.
func (e *Engine) MemoryStat(stat *db.MemoryStat) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stat.Data += e.alloc.Used()
	stat.Index += e.extentPool.Used()
}

// Backup implements db.Engine: report the single snapshot file matching
// the given clock.
func (e *Engine) Backup(clock vclock.Clock, cb db.BackupCallback) error {
	return cb(e.snapDir.Format(clock.Sum(), false))
}

// CollectGarbage implements db.Engine: asynchronously drop snapshots
// older than the given clock.
func (e *Engine) CollectGarbage(clock vclock.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapDir.CollectGarbage(clock.Sum())
}

// SetSnapIORateLimit updates the snapshot writer throughput cap (MiB/s).
func (e *Engine) SetSnapIORateLimit(mibPerSec float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapRateLimit = mibPerSec * 1024 * 1024
}

// SetMaxTupleSize updates the tuple size bound.
func (e *Engine) SetMaxTupleSize(size uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxTupleSize = size
}

// SetMemory grows the memory quota. Shrinking at runtime is refused:
// live tuples may already occupy the difference.
func (e *Engine) SetMemory(size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if size < e.quota.Total() {
		return fmt.Errorf("%w: cannot decrease memory size at runtime", db.ErrConfig)
	}
	e.quota.SetTotal(size)
	return nil
}
