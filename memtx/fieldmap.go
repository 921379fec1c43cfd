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
	"encoding/binary"
	"fmt"

	"github.com/memtx-db/memtx/db"
)

// The field map records the payload-relative byte offset of each indexed
// top-level field. Building it requires walking the raw msgpack record
// and noting element positions, which streaming codecs do not expose;
// hence this small walker. Anything it cannot parse is a format error.

func formatErr(what string) error {
	return fmt.Errorf("%w: %s", db.ErrFormat, what)
}

// buildFieldMap validates that data is a single msgpack array and returns
// the offsets of its first fieldCount elements. Fields past the end of
// the record keep offset zero.
func buildFieldMap(data []byte, fieldCount uint32) ([]uint32, error) {
	arrLen, pos, err := mpArrayHeader(data, 0)
	if err != nil {
		return nil, err
	}
	fm := make([]uint32, fieldCount)
	for i := uint32(0); i < arrLen; i++ {
		if i < fieldCount {
			fm[i] = uint32(pos)
		}
		if pos, err = mpNext(data, pos); err != nil {
			return nil, err
		}
	}
	if pos != len(data) {
		return nil, formatErr("trailing bytes after record")
	}
	return fm, nil
}

// mpArrayHeader reads an array header at pos, returning the element count
// and the position of the first element.
func mpArrayHeader(data []byte, pos int) (uint32, int, error) {
	if pos >= len(data) {
		return 0, 0, formatErr("truncated record")
	}
	c := data[pos]
	switch {
	case c >= 0x90 && c <= 0x9f:
		return uint32(c & 0x0f), pos + 1, nil
	case c == 0xdc:
		if pos+3 > len(data) {
			return 0, 0, formatErr("truncated array header")
		}
		return uint32(binary.BigEndian.Uint16(data[pos+1:])), pos + 3, nil
	case c == 0xdd:
		if pos+5 > len(data) {
			return 0, 0, formatErr("truncated array header")
		}
		return binary.BigEndian.Uint32(data[pos+1:]), pos + 5, nil
	}
	return 0, 0, formatErr("record is not an array")
}

// mpNext skips one msgpack value starting at pos and returns the position
// right after it.
func mpNext(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, formatErr("truncated value")
	}
	c := data[pos]
	advance := func(n int) (int, error) {
		if pos+n > len(data) {
			return 0, formatErr("truncated value")
		}
		return pos + n, nil
	}
	switch {
	case c <= 0x7f || c >= 0xe0: // fixint
		return advance(1)
	case c >= 0x80 && c <= 0x8f: // fixmap
		return mpSkipN(data, pos+1, 2*int(c&0x0f))
	case c >= 0x90 && c <= 0x9f: // fixarray
		return mpSkipN(data, pos+1, int(c&0x0f))
	case c >= 0xa0 && c <= 0xbf: // fixstr
		return advance(1 + int(c&0x1f))
	}
	switch c {
	case 0xc0, 0xc2, 0xc3: // nil, false, true
		return advance(1)
	case 0xc4, 0xd9: // bin8, str8
		if pos+2 > len(data) {
			return 0, formatErr("truncated value")
		}
		return advance(2 + int(data[pos+1]))
	case 0xc5, 0xda: // bin16, str16
		if pos+3 > len(data) {
			return 0, formatErr("truncated value")
		}
		return advance(3 + int(binary.BigEndian.Uint16(data[pos+1:])))
	case 0xc6, 0xdb: // bin32, str32
		if pos+5 > len(data) {
			return 0, formatErr("truncated value")
		}
		return advance(5 + int(binary.BigEndian.Uint32(data[pos+1:])))
	case 0xca: // float32
		return advance(5)
	case 0xcb: // float64
		return advance(9)
	case 0xcc, 0xd0: // uint8, int8
		return advance(2)
	case 0xcd, 0xd1: // uint16, int16
		return advance(3)
	case 0xce, 0xd2: // uint32, int32
		return advance(5)
	case 0xcf, 0xd3: // uint64, int64
		return advance(9)
	case 0xd4, 0xd5, 0xd6, 0xd7, 0xd8: // fixext1..16
		return advance(2 + (1 << (c - 0xd4)))
	case 0xc7: // ext8
		if pos+3 > len(data) {
			return 0, formatErr("truncated value")
		}
		return advance(3 + int(data[pos+1]))
	case 0xc8: // ext16
		if pos+4 > len(data) {
			return 0, formatErr("truncated value")
		}
		return advance(4 + int(binary.BigEndian.Uint16(data[pos+1:])))
	case 0xc9: // ext32
		if pos+6 > len(data) {
			return 0, formatErr("truncated value")
		}
		return advance(6 + int(binary.BigEndian.Uint32(data[pos+1:])))
	case 0xdc: // array16
		if pos+3 > len(data) {
			return 0, formatErr("truncated value")
		}
		return mpSkipN(data, pos+3, int(binary.BigEndian.Uint16(data[pos+1:])))
	case 0xdd: // array32
		if pos+5 > len(data) {
			return 0, formatErr("truncated value")
		}
		return mpSkipN(data, pos+5, int(binary.BigEndian.Uint32(data[pos+1:])))
	case 0xde: // map16
		if pos+3 > len(data) {
			return 0, formatErr("truncated value")
		}
		return mpSkipN(data, pos+3, 2*int(binary.BigEndian.Uint16(data[pos+1:])))
	case 0xdf: // map32
		if pos+5 > len(data) {
			return 0, formatErr("truncated value")
		}
		return mpSkipN(data, pos+5, 2*int(binary.BigEndian.Uint32(data[pos+1:])))
	}
	return 0, formatErr("unknown msgpack code")
}

func mpSkipN(data []byte, pos, n int) (int, error) {
	var err error
	for i := 0; i < n; i++ {
		if pos, err = mpNext(data, pos); err != nil {
			return 0, err
		}
	}
	return pos, nil
}

// keyVal is a decoded key-part value. Unsigned values order before
// strings; within a kind the natural order applies.
type keyVal struct {
	str   bool
	num   uint64
	bytes string
}

func compareKeyVals(a, b []keyVal) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if c := a[i].compare(b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	return 0
}

func (v keyVal) compare(o keyVal) int {
	if v.str != o.str {
		if !v.str {
			return -1
		}
		return 1
	}
	if v.str {
		switch {
		case v.bytes < o.bytes:
			return -1
		case v.bytes > o.bytes:
			return 1
		}
		return 0
	}
	switch {
	case v.num < o.num:
		return -1
	case v.num > o.num:
		return 1
	}
	return 0
}

// mpReadKey decodes an unsigned or string value at pos for key comparison.
func mpReadKey(data []byte, pos int, typ db.FieldType) (keyVal, error) {
	if pos >= len(data) {
		return keyVal{}, formatErr("truncated key field")
	}
	c := data[pos]
	switch typ {
	case db.FieldTypeUnsigned:
		switch {
		case c <= 0x7f:
			return keyVal{num: uint64(c)}, nil
		case c == 0xcc && pos+2 <= len(data):
			return keyVal{num: uint64(data[pos+1])}, nil
		case c == 0xcd && pos+3 <= len(data):
			return keyVal{num: uint64(binary.BigEndian.Uint16(data[pos+1:]))}, nil
		case c == 0xce && pos+5 <= len(data):
			return keyVal{num: uint64(binary.BigEndian.Uint32(data[pos+1:]))}, nil
		case c == 0xcf && pos+9 <= len(data):
			return keyVal{num: binary.BigEndian.Uint64(data[pos+1:])}, nil
		}
		return keyVal{}, formatErr("key field is not unsigned")
	case db.FieldTypeString:
		var start, length int
		switch {
		case c >= 0xa0 && c <= 0xbf:
			start, length = pos+1, int(c&0x1f)
		case c == 0xd9 && pos+2 <= len(data):
			start, length = pos+2, int(data[pos+1])
		case c == 0xda && pos+3 <= len(data):
			start, length = pos+3, int(binary.BigEndian.Uint16(data[pos+1:]))
		case c == 0xdb && pos+5 <= len(data):
			start, length = pos+5, int(binary.BigEndian.Uint32(data[pos+1:]))
		default:
			return keyVal{}, formatErr("key field is not a string")
		}
		if start+length > len(data) {
			return keyVal{}, formatErr("truncated string key")
		}
		return keyVal{str: true, bytes: string(data[start : start+length])}, nil
	}
	return keyVal{}, formatErr("unsupported key type")
}
