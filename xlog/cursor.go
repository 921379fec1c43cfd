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
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vmihailenco/msgpack/v5"
)

// Cursor errors.
var (
	// ErrBadMagic is returned when the file does not start with the
	// snapshot magic.
	ErrBadMagic = errors.New("xlog: bad file magic")

	// ErrBadFrame is returned when a row frame is damaged (marker, length
	// or checksum mismatch).
	ErrBadFrame = errors.New("xlog: damaged row frame")
)

// Cursor reads a snapshot file (or an in-memory image) row by row.
type Cursor struct {
	name string
	file *os.File // nil for in-memory cursors
	rd   *bufio.Reader

	meta     Meta
	eof      bool // the EOF marker was observed
	resynced bool // a resync scan already consumed the next row marker
}

// Open opens a cursor over the file at path and reads its metadata.
func Open(path string) (*Cursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c := &Cursor{name: path, file: f, rd: bufio.NewReaderSize(f, 1<<20)}
	if err := c.readMeta(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// OpenMem opens a cursor over an in-memory snapshot image.
func OpenMem(name string, data []byte) (*Cursor, error) {
	c := &Cursor{name: name, rd: bufio.NewReader(bytes.NewReader(data))}
	if err := c.readMeta(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) readMeta() error {
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(c.rd, magic); err != nil {
		return errorf("%s: reading magic: %v", c.name, err)
	}
	if !bytes.Equal(magic, fileMagic) {
		return ErrBadMagic
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rd, lenBuf[:]); err != nil {
		return errorf("%s: reading meta length: %v", c.name, err)
	}
	metaBytes := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(c.rd, metaBytes); err != nil {
		return errorf("%s: reading meta: %v", c.name, err)
	}
	return msgpack.Unmarshal(metaBytes, &c.meta)
}

// Meta returns the file's metadata block.
func (c *Cursor) Meta() Meta { return c.meta }

// Name returns the cursor's file name (or label for in-memory cursors).
func (c *Cursor) Name() string { return c.name }

// Next reads the next row into row. It returns false at the end of the
// log, whether terminated by the EOF marker or by a plain end of file;
// IsEOF distinguishes the two. With skipBad set, damaged frames are
// logged and scanned past instead of failing the cursor.
func (c *Cursor) Next(row *Row, skipBad bool) (bool, error) {
	for {
		marker := uint32(rowMarker)
		if c.resynced {
			c.resynced = false
		} else {
			var head [4]byte
			if _, err := io.ReadFull(c.rd, head[:]); err != nil {
				return false, c.endOrError(err)
			}
			marker = binary.BigEndian.Uint32(head[:])
			if marker == eofMarker {
				c.eof = true
				return false, nil
			}
			if marker != rowMarker {
				if !skipBad {
					return false, errorf("%s: %w: bad marker %#x", c.name, ErrBadFrame, marker)
				}
				// Slide one byte at a time until a marker comes up again.
				log.Warn("Skipping garbage in snapshot", "name", c.name)
				if err := c.resync(head[1:]); err != nil {
					return false, c.endOrError(err)
				}
				continue
			}
		}
		var sizes [8]byte
		if _, err := io.ReadFull(c.rd, sizes[:]); err != nil {
			return false, c.endOrError(err)
		}
		length := binary.BigEndian.Uint32(sizes[0:4])
		sum := binary.BigEndian.Uint32(sizes[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.rd, payload); err != nil {
			return false, c.endOrError(err)
		}
		if crc32.Checksum(payload, crcTable) != sum {
			if !skipBad {
				return false, errorf("%s: %w: checksum mismatch", c.name, ErrBadFrame)
			}
			log.Warn("Skipping row with bad checksum", "name", c.name)
			continue
		}
		if err := decodeRow(payload, row); err != nil {
			if !skipBad {
				return false, err
			}
			log.Warn("Skipping undecodable row", "name", c.name, "err", err)
			continue
		}
		return true, nil
	}
}

// resync scans forward until a row marker has been consumed, seeding the
// scan with the given leftover bytes. The next Next iteration picks up
// right at the frame head.
func (c *Cursor) resync(tail []byte) error {
	window := make([]byte, 0, 4)
	window = append(window, tail...)
	for {
		for len(window) < 4 {
			b, err := c.rd.ReadByte()
			if err != nil {
				return err
			}
			window = append(window, b)
		}
		if binary.BigEndian.Uint32(window) == rowMarker {
			c.resynced = true
			return nil
		}
		window = window[1:]
	}
}

func (c *Cursor) endOrError(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return err
}

// IsEOF reports whether the cursor observed the EOF marker. A snapshot
// that ends without one must not be trusted.
func (c *Cursor) IsEOF() bool { return c.eof }

// Close releases the cursor.
func (c *Cursor) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
