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

package xlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/memtx-db/memtx/vclock"
)

const (
	snapSuffix       = ".snap"
	inprogressSuffix = ".snap.inprogress"

	metaCacheSize = 64
)

// Dir indexes the snapshot files of one directory. File names encode the
// clock signature; the full clock is read from the file's metadata block
// and cached across rescans.
type Dir struct {
	path   string
	logger log.Logger

	entries   []dirEntry // ascending by signature
	metaCache *lru.Cache // filename -> vclock.Clock
}

type dirEntry struct {
	sum   int64
	clock vclock.Clock
}

// NewDir creates the index for path, creating the directory if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	cache, _ := lru.New(metaCacheSize)
	return &Dir{
		path:      path,
		logger:    log.New("snapdir", path),
		metaCache: cache,
	}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// Format returns the file name for the given signature, optionally with
// the in-progress suffix.
func (d *Dir) Format(sum int64, inprogress bool) string {
	suffix := snapSuffix
	if inprogress {
		suffix = inprogressSuffix
	}
	return filepath.Join(d.path, fmt.Sprintf("%020d", sum)+suffix)
}

// Scan rebuilds the index from the directory contents. Damaged or
// unparsable files are logged and ignored.
func (d *Dir) Scan() error {
	names, err := filepath.Glob(filepath.Join(d.path, "*"+snapSuffix))
	if err != nil {
		return err
	}
	d.entries = d.entries[:0]
	for _, name := range names {
		base := strings.TrimSuffix(filepath.Base(name), snapSuffix)
		sum, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			d.logger.Warn("Ignoring stray file in snapshot dir", "name", name)
			continue
		}
		clock, err := d.fileClock(name)
		if err != nil {
			d.logger.Warn("Ignoring unreadable snapshot", "name", name, "err", err)
			continue
		}
		d.entries = append(d.entries, dirEntry{sum: sum, clock: clock})
	}
	sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].sum < d.entries[j].sum })
	return nil
}

// fileClock reads (or recalls) the clock recorded in the file's metadata.
func (d *Dir) fileClock(name string) (vclock.Clock, error) {
	if cached, ok := d.metaCache.Get(name); ok {
		return cached.(vclock.Clock), nil
	}
	cur, err := Open(name)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	clock := vclock.Clock(cur.Meta().Clock).Copy()
	d.metaCache.Add(name, clock)
	return clock, nil
}

// Instance reads the instance id recorded in the newest snapshot, or ""
// when the directory holds none.
func (d *Dir) Instance() (string, error) {
	if len(d.entries) == 0 {
		return "", nil
	}
	cur, err := Open(d.Format(d.entries[len(d.entries)-1].sum, false))
	if err != nil {
		return "", err
	}
	defer cur.Close()
	return cur.Meta().Instance, nil
}

// LastClock returns the clock of the newest indexed snapshot.
func (d *Dir) LastClock() (vclock.Clock, bool) {
	if len(d.entries) == 0 {
		return nil, false
	}
	return d.entries[len(d.entries)-1].clock, true
}

// Clocks returns the clocks of every indexed snapshot, oldest first.
func (d *Dir) Clocks() []vclock.Clock {
	out := make([]vclock.Clock, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.clock)
	}
	return out
}

// AddClock registers a freshly written snapshot without rescanning.
func (d *Dir) AddClock(clock vclock.Clock) {
	d.entries = append(d.entries, dirEntry{sum: clock.Sum(), clock: clock.Copy()})
	sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].sum < d.entries[j].sum })
}

// Touch bumps the timestamps of an existing snapshot file, refreshing it
// as if it had just been written.
func (d *Dir) Touch(sum int64) error {
	now := time.Now()
	return os.Chtimes(d.Format(sum, false), now, now)
}

// CollectGarbage asynchronously removes every snapshot older than the
// given signature.
func (d *Dir) CollectGarbage(sum int64) {
	var victims []dirEntry
	keep := d.entries[:0]
	for _, e := range d.entries {
		if e.sum < sum {
			victims = append(victims, e)
		} else {
			keep = append(keep, e)
		}
	}
	d.entries = keep
	if len(victims) == 0 {
		return
	}
	var g errgroup.Group
	for _, e := range victims {
		name := d.Format(e.sum, false)
		g.Go(func() error {
			return os.Remove(name)
		})
	}
	logger := d.logger
	go func() {
		if err := g.Wait(); err != nil {
			logger.Warn("Failed to remove old snapshot", "err", err)
		} else {
			logger.Info("Removed old snapshots", "count", len(victims))
		}
	}()
}

// CollectInprogress removes leftover in-progress files; they belong to
// checkpoints that never committed.
func (d *Dir) CollectInprogress() {
	names, err := filepath.Glob(filepath.Join(d.path, "*"+inprogressSuffix))
	if err != nil {
		return
	}
	for _, name := range names {
		if err := os.Remove(name); err != nil {
			d.logger.Warn("Failed to remove in-progress snapshot", "name", name, "err", err)
		} else {
			d.logger.Info("Removed unfinished snapshot", "name", name)
		}
	}
}
