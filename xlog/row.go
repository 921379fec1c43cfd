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

// Package xlog implements the snapshot file format: a metadata block
// followed by marker-framed, CRC-checked rows and a terminating EOF
// marker. The writer side throttles and periodically syncs; the cursor
// side verifies frames and can skip damaged ones in disaster recovery.
package xlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Row type codes, mirroring the host's request protocol.
const (
	RowInsert = 2
)

// Keys of the row header map.
const (
	keyRequestType = 0x00
	keySync        = 0x01
	keyReplicaID   = 0x02
	keyLSN         = 0x03
	keyTimestamp   = 0x04
	keyGroupID     = 0x07
)

// Keys of an INSERT row's body map.
const (
	KeySpaceID = 0x10
	KeyTuple   = 0x21
)

// ErrBadRow is returned when a row payload cannot be decoded.
var ErrBadRow = errors.New("xlog: malformed row")

// Row is one log row: a small header and an opaque body.
type Row struct {
	Type      uint16
	ReplicaID uint32
	GroupID   uint32
	LSN       int64
	Tm        float64
	Sync      uint64
	Body      []byte
}

// encode serializes the row payload: a 4-byte header length, the msgpack
// header map, then the raw body bytes.
func (r *Row) encode() ([]byte, error) {
	var hdr bytes.Buffer
	enc := msgpack.NewEncoder(&hdr)
	if err := enc.EncodeMapLen(6); err != nil {
		return nil, err
	}
	pairs := []struct {
		key int8
		val uint64
	}{
		{keyRequestType, uint64(r.Type)},
		{keySync, r.Sync},
		{keyReplicaID, uint64(r.ReplicaID)},
		{keyLSN, uint64(r.LSN)},
		{keyGroupID, uint64(r.GroupID)},
	}
	for _, p := range pairs {
		if err := enc.EncodeInt8(p.key); err != nil {
			return nil, err
		}
		if err := enc.EncodeUint64(p.val); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeInt8(keyTimestamp); err != nil {
		return nil, err
	}
	if err := enc.EncodeFloat64(r.Tm); err != nil {
		return nil, err
	}
	payload := make([]byte, 4+hdr.Len()+len(r.Body))
	binary.BigEndian.PutUint32(payload[:4], uint32(hdr.Len()))
	copy(payload[4:], hdr.Bytes())
	copy(payload[4+hdr.Len():], r.Body)
	return payload, nil
}

// decodeRow parses a row payload produced by encode.
func decodeRow(payload []byte, row *Row) error {
	if len(payload) < 4 {
		return fmt.Errorf("%w: truncated payload", ErrBadRow)
	}
	hdrLen := binary.BigEndian.Uint32(payload[:4])
	if uint64(4+hdrLen) > uint64(len(payload)) {
		return fmt.Errorf("%w: header length out of bounds", ErrBadRow)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload[4 : 4+hdrLen]))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRow, err)
	}
	*row = Row{}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeInt8()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadRow, err)
		}
		switch key {
		case keyRequestType:
			v, err := dec.DecodeUint16()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRow, err)
			}
			row.Type = v
		case keySync:
			v, err := dec.DecodeUint64()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRow, err)
			}
			row.Sync = v
		case keyReplicaID:
			v, err := dec.DecodeUint32()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRow, err)
			}
			row.ReplicaID = v
		case keyLSN:
			v, err := dec.DecodeInt64()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRow, err)
			}
			row.LSN = v
		case keyTimestamp:
			v, err := dec.DecodeFloat64()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRow, err)
			}
			row.Tm = v
		case keyGroupID:
			v, err := dec.DecodeUint32()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRow, err)
			}
			row.GroupID = v
		default:
			if err := dec.Skip(); err != nil {
				return fmt.Errorf("%w: %v", ErrBadRow, err)
			}
		}
	}
	row.Body = payload[4+hdrLen:]
	return nil
}

// EncodeInsertBody builds the body of an INSERT row: a two-element map of
// the target space id and the raw tuple bytes.
func EncodeInsertBody(spaceID uint32, tuple []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(2); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt8(KeySpaceID); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(spaceID); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt8(KeyTuple); err != nil {
		return nil, err
	}
	if _, err := buf.Write(tuple); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeInsertBody parses a body built by EncodeInsertBody, returning the
// space id and the raw tuple bytes.
func DecodeInsertBody(body []byte) (uint32, []byte, error) {
	rd := bytes.NewReader(body)
	dec := msgpack.NewDecoder(rd)
	n, err := dec.DecodeMapLen()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadRow, err)
	}
	var (
		spaceID uint32
		tuple   []byte
	)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeInt8()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrBadRow, err)
		}
		switch key {
		case KeySpaceID:
			if spaceID, err = dec.DecodeUint32(); err != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrBadRow, err)
			}
		case KeyTuple:
			raw, err := dec.DecodeRaw()
			if err != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrBadRow, err)
			}
			tuple = raw
		default:
			if err := dec.Skip(); err != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrBadRow, err)
			}
		}
	}
	if tuple == nil {
		return 0, nil, fmt.Errorf("%w: body misses tuple", ErrBadRow)
	}
	return spaceID, tuple, nil
}
