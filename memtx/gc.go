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
	"runtime"

	"github.com/ethereum/go-ethereum/metrics"
)

var gcRunMeter = metrics.NewRegisteredMeter("memtx/gc/runs", nil)

// GCTask is a unit of deferred reclamation: a dropped index, a delayed
// tuple sweep. Run performs one bounded step and reports completion; Free
// releases the task's memory and is only called once Run reported done.
// While a checkpoint is in progress Free is postponed, since the snapshot
// writer may still be reading the memory a task is about to release.
type GCTask interface {
	Run() (done bool)
	Free()
}

// ScheduleGC queues a reclamation task and wakes the worker.
func (e *Engine) ScheduleGC(task GCTask) {
	e.mu.Lock()
	e.gcQueue = append(e.gcQueue, task)
	e.mu.Unlock()
	e.wakeGC()
}

func (e *Engine) wakeGC() {
	select {
	case e.gcWake <- struct{}{}:
	default:
	}
}

// runGCStepLocked runs one step of the head task. It reports whether any
// progress was made; callers retrying a failed allocation stop once it
// returns false. The engine mutex must be held.
func (e *Engine) runGCStepLocked() bool {
	if len(e.gcQueue) == 0 {
		return false
	}
	task := e.gcQueue[0]
	gcRunMeter.Mark(1)
	if task.Run() {
		e.gcQueue = e.gcQueue[1:]
		// The checkpoint thread may still be reading memory owned by the
		// task, so freeing is postponed until the checkpoint is done.
		if e.checkpoint == nil {
			task.Free()
		} else {
			e.gcToFree = append(e.gcToFree, task)
		}
	}
	return true
}

// drainGCToFreeLocked releases every task whose finalizer was held back by
// an in-progress checkpoint. Called on checkpoint commit and abort.
func (e *Engine) drainGCToFreeLocked() {
	for _, task := range e.gcToFree {
		task.Free()
	}
	e.gcToFree = nil
}

// gcLoop is the cooperative GC worker. It runs one task step at a time,
// yielding between steps to bound the latency it inflicts on transactional
// work, and sleeps whenever the queue is empty.
func (e *Engine) gcLoop() {
	defer close(e.gcDone)
	for {
		select {
		case <-e.gcQuit:
			return
		case <-e.gcWake:
		}
		for {
			select {
			case <-e.gcQuit:
				return
			default:
			}
			e.mu.Lock()
			progress := e.runGCStepLocked()
			e.mu.Unlock()
			if !progress {
				break
			}
			runtime.Gosched()
		}
	}
}
