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
	"context"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/memtx-db/memtx/vclock"
	"github.com/memtx-db/memtx/xlog"
)

// errInjSnapWrite, when set, is consulted before every snapshot row write;
// tests use it to fail the writer mid-file.
var errInjSnapWrite func() error

// checkpointEntry pairs one space with the read view of its primary index.
type checkpointEntry struct {
	spaceID uint32
	groupID uint32
	iter    *SnapshotIterator
}

// checkpoint is the transient state of one snapshot being written: the
// captured read views, the target clock, and the writer goroutine's
// lifecycle. Between WaitCheckpoint's launch and the join, the entries
// belong exclusively to the writer.
type checkpoint struct {
	entries []checkpointEntry

	clock     vclock.Clock
	touch     bool // a snapshot with this clock already exists, only stamp it
	running   bool // writer launched, not yet joined
	rateLimit float64

	done   chan error
	cancel context.CancelFunc
	ctx    context.Context
}

// BeginCheckpoint implements db.Engine: capture a consistent read view of
// every persistent space, then advance the snapshot generation and switch
// the tuple allocator to delayed-free mode, in that order.
func (e *Engine) BeginCheckpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.checkpoint != nil {
		panic("memtx: checkpoint already in progress")
	}
	ckpt := &checkpoint{done: make(chan error, 1)}
	for _, sp := range e.spaceList {
		if sp.temporary {
			continue
		}
		pk := sp.PrimaryIndex()
		if pk == nil {
			continue
		}
		iter, err := pk.createSnapshotIterator()
		if err != nil {
			for _, entry := range ckpt.entries {
				entry.iter.free()
			}
			return err
		}
		ckpt.entries = append(ckpt.entries, checkpointEntry{
			spaceID: sp.id,
			groupID: sp.groupID,
			iter:    iter,
		})
	}
	// Generation first, delayed-free mode second: a tuple allocated
	// between the two carries the new generation and stays eligible for
	// immediate free.
	e.snapshotVersion++
	e.alloc.SetDelayedFree(true)
	e.checkpoint = ckpt
	return nil
}

// WaitCheckpoint implements db.Engine: fix the target clock, launch the
// writer and suspend until it finishes. The calling task blocks without
// holding the engine mutex, so transactional work and the GC worker keep
// running while the file is streamed out.
func (e *Engine) WaitCheckpoint(clock vclock.Clock) error {
	e.mu.Lock()
	ckpt := e.checkpoint
	if ckpt == nil {
		e.mu.Unlock()
		panic("memtx: wait without begin checkpoint")
	}
	ckpt.clock = clock.Copy()
	if last, ok := e.snapDir.LastClock(); ok && last.Equal(clock) {
		ckpt.touch = true
	}
	ckpt.rateLimit = e.snapRateLimit
	ckpt.ctx, ckpt.cancel = context.WithCancel(context.Background())
	ckpt.running = true
	go func() {
		ckpt.done <- e.writeSnapshot(ckpt)
	}()
	e.mu.Unlock()

	err := <-ckpt.done

	e.mu.Lock()
	ckpt.running = false
	e.mu.Unlock()
	if err != nil {
		log.Error("Checkpoint write failed", "err", err)
	}
	return err
}

// writeSnapshot is the writer goroutine's body. It touches only the
// checkpoint object, the file system and arena bytes pinned by the read
// views.
func (e *Engine) writeSnapshot(ckpt *checkpoint) error {
	sum := ckpt.clock.Sum()
	if ckpt.touch {
		if err := e.snapDir.Touch(sum); err == nil {
			return nil
		}
		// Can't refresh the existing file, write a full snapshot.
		ckpt.touch = false
	}

	path := e.snapDir.Format(sum, true)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	log.Info("Saving snapshot", "path", path)
	w, err := xlog.NewWriter(ckpt.ctx, f, xlog.Meta{
		Instance: e.instance,
		Clock:    ckpt.clock,
	}, xlog.Options{RateLimit: ckpt.rateLimit})
	if err != nil {
		f.Close()
		return err
	}
	// One timestamp for the whole file; rows are numbered from 1.
	tm := float64(time.Now().UnixNano()) / 1e9
	lsn := int64(0)
	for _, entry := range ckpt.entries {
		for {
			data, err := entry.iter.Next()
			if err != nil {
				w.Discard()
				return err
			}
			if data == nil {
				break
			}
			if err := ckpt.ctx.Err(); err != nil {
				w.Discard()
				return err
			}
			if errInjSnapWrite != nil {
				if err := errInjSnapWrite(); err != nil {
					w.Discard()
					return err
				}
			}
			body, err := xlog.EncodeInsertBody(entry.spaceID, data)
			if err != nil {
				w.Discard()
				return err
			}
			lsn++
			row := &xlog.Row{
				Type:    xlog.RowInsert,
				GroupID: entry.groupID,
				LSN:     lsn,
				Tm:      tm,
				Body:    body,
			}
			if err := w.WriteRow(row); err != nil {
				w.Discard()
				return err
			}
			if lsn%recoveryYieldRows == 0 {
				log.Info("Snapshot rows written", "rows", lsn)
			}
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Info("Snapshot saved", "path", path, "rows", lsn)
	return nil
}

// CommitCheckpoint implements db.Engine: leave delayed-free mode, publish
// the in-progress file under its canonical name, register the clock and
// release the read views. A failed rename is fatal: the snapshot is valid
// on disk but cannot be published, leaving the directory ambiguous.
func (e *Engine) CommitCheckpoint(clock vclock.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ckpt := e.checkpoint
	if ckpt == nil {
		panic("memtx: commit without begin checkpoint")
	}
	if ckpt.running {
		panic("memtx: commit with checkpoint writer still running")
	}
	e.alloc.SetDelayedFree(false)

	if !ckpt.touch {
		sum := ckpt.clock.Sum()
		if err := os.Rename(e.snapDir.Format(sum, true), e.snapDir.Format(sum, false)); err != nil {
			log.Crit("Failed to rename in-progress snapshot", "err", err)
		}
	}
	if last, ok := e.snapDir.LastClock(); !ok || !last.Equal(clock) {
		e.snapDir.AddClock(ckpt.clock)
	}
	e.discardCheckpointLocked()
	e.drainGCToFreeLocked()
}

// AbortCheckpoint implements db.Engine: join a still-running writer,
// leave delayed-free mode, and remove the unpublished in-progress file.
// Live memory is untouched.
func (e *Engine) AbortCheckpoint() {
	e.mu.Lock()
	ckpt := e.checkpoint
	if ckpt == nil {
		e.mu.Unlock()
		panic("memtx: abort without begin checkpoint")
	}
	running := ckpt.running
	e.mu.Unlock()
	if running {
		<-ckpt.done
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ckpt.running = false
	e.alloc.SetDelayedFree(false)
	if ckpt.clock != nil {
		if err := os.Remove(e.snapDir.Format(ckpt.clock.Sum(), true)); err != nil && !os.IsNotExist(err) {
			log.Warn("Failed to remove in-progress snapshot", "err", err)
		}
	}
	e.discardCheckpointLocked()
	e.drainGCToFreeLocked()
}

// cancelCheckpoint tears an active checkpoint down on shutdown: signal
// the writer, join it, drop the read views.
func (e *Engine) cancelCheckpoint(ckpt *checkpoint) {
	e.mu.Lock()
	running := ckpt.running
	e.mu.Unlock()
	if running {
		ckpt.cancel()
		<-ckpt.done
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ckpt.running = false
	e.alloc.SetDelayedFree(false)
	e.discardCheckpointLocked()
	e.drainGCToFreeLocked()
}

// discardCheckpointLocked frees the read views and forgets the
// checkpoint. Engine mutex held.
func (e *Engine) discardCheckpointLocked() {
	ckpt := e.checkpoint
	if ckpt == nil {
		return
	}
	for _, entry := range ckpt.entries {
		entry.iter.free()
	}
	ckpt.entries = nil
	if ckpt.cancel != nil {
		ckpt.cancel()
	}
	e.checkpoint = nil
}

// Checkpointing reports whether a checkpoint is currently in progress.
func (e *Engine) Checkpointing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpoint != nil
}
