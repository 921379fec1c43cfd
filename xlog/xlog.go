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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"
)

// File layout constants.
const (
	// SyncInterval is how many written bytes may accumulate between two
	// forced syncs of a snapshot file.
	SyncInterval = 16 * 1024 * 1024

	rowMarker = 0xbead0551
	eofMarker = 0x51deca1f
)

var fileMagic = []byte("MSNAP001")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	rowsWrittenMeter  = metrics.NewRegisteredMeter("memtx/snap/rows", nil)
	bytesWrittenMeter = metrics.NewRegisteredMeter("memtx/snap/bytes", nil)
)

// Meta is the self-description block at the head of every snapshot file.
type Meta struct {
	Instance string           `msgpack:"instance"`
	Clock    map[uint32]int64 `msgpack:"vclock"`
}

// Options tune a writer.
type Options struct {
	// RateLimit caps the write throughput in bytes per second. Zero
	// disables throttling.
	RateLimit float64
	// SyncInterval overrides the default forced-sync interval.
	SyncInterval uint64
}

// Writer streams rows into a snapshot file. It is used by exactly one
// goroutine at a time.
type Writer struct {
	ctx     context.Context
	dst     io.Writer
	buf     *bufio.Writer
	file    *os.File // nil for in-memory logs
	limiter *rate.Limiter

	syncInterval uint64
	sinceSync    uint64
	rows         uint64
}

// NewWriter writes the file magic and metadata block and returns a writer
// ready for rows. ctx cancels throttled writes mid-flight.
func NewWriter(ctx context.Context, dst io.Writer, meta Meta, opts Options) (*Writer, error) {
	w := &Writer{
		ctx:          ctx,
		dst:          dst,
		buf:          bufio.NewWriterSize(dst, 1<<20),
		syncInterval: opts.SyncInterval,
	}
	if w.syncInterval == 0 {
		w.syncInterval = SyncInterval
	}
	if f, ok := dst.(*os.File); ok {
		w.file = f
	}
	if opts.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit))
	}
	if _, err := w.buf.Write(fileMagic); err != nil {
		return nil, err
	}
	metaBytes, err := msgpack.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(metaBytes)))
	if _, err := w.buf.Write(lenBuf[:]); err != nil {
		return nil, err
	}
	if _, err := w.buf.Write(metaBytes); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteRow frames, checksums and appends one row, honoring the rate limit
// and the periodic sync interval.
func (w *Writer) WriteRow(row *Row) error {
	payload, err := row.encode()
	if err != nil {
		return err
	}
	var head [12]byte
	binary.BigEndian.PutUint32(head[0:4], rowMarker)
	binary.BigEndian.PutUint32(head[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(head[8:12], crc32.Checksum(payload, crcTable))

	if err := w.throttle(len(head) + len(payload)); err != nil {
		return err
	}
	if _, err := w.buf.Write(head[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(payload); err != nil {
		return err
	}
	w.rows++
	rowsWrittenMeter.Mark(1)
	bytesWrittenMeter.Mark(int64(len(head) + len(payload)))

	w.sinceSync += uint64(len(head) + len(payload))
	if w.file != nil && w.sinceSync >= w.syncInterval {
		if err := w.buf.Flush(); err != nil {
			return err
		}
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.sinceSync = 0
	}
	return nil
}

// throttle blocks until the limiter admits n more bytes.
func (w *Writer) throttle(n int) error {
	if w.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if burst := w.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := w.limiter.WaitN(w.ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() uint64 { return w.rows }

// Close terminates the log with the EOF marker, flushes and syncs. A file
// without the marker is treated as corrupt by the cursor, so Close must
// only be called after every row went through cleanly; use Discard on
// error paths.
func (w *Writer) Close() error {
	var eof [4]byte
	binary.BigEndian.PutUint32(eof[:], eofMarker)
	if _, err := w.buf.Write(eof[:]); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return err
		}
		return w.file.Close()
	}
	return nil
}

// Discard abandons the log without writing the EOF marker.
func (w *Writer) Discard() error {
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// WriteMem builds an in-memory log from the given rows; used to synthesize
// the bootstrap image.
func WriteMem(meta Meta, rows []*Row) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(context.Background(), &buf, meta, Options{})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.WriteRow(row); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// errorf gives package errors a uniform prefix.
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("xlog: "+format, args...)
}
