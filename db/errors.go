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

package db

import "errors"

// Error kinds crossing the host/engine boundary. Engines wrap these with
// context; the host matches them with errors.Is.
var (
	// ErrOutOfMemory is returned when an allocation failed and garbage
	// collection could not reclaim enough memory to retry.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrTupleTooLarge is returned when a tuple exceeds the engine's
	// configured maximum size.
	ErrTupleTooLarge = errors.New("tuple too large")

	// ErrFormat is returned on malformed tuple bytes.
	ErrFormat = errors.New("malformed tuple")

	// ErrCrossEngine is returned when a row targets a space owned by a
	// different engine.
	ErrCrossEngine = errors.New("cross-engine row")

	// ErrUnknownRequestType is returned on a row whose type the engine
	// does not handle.
	ErrUnknownRequestType = errors.New("unknown request type")

	// ErrDuplicate is returned when a unique index already holds a tuple
	// with the inserted key.
	ErrDuplicate = errors.New("duplicate key")

	// ErrNoSuchSpace is returned when a row references an unknown space.
	ErrNoSuchSpace = errors.New("no such space")

	// ErrTupleNotFound is returned when a delete or strict replace finds
	// no tuple under the given key.
	ErrTupleNotFound = errors.New("tuple not found")

	// ErrConfig is returned on an invalid runtime reconfiguration, such
	// as an attempt to shrink the memory quota.
	ErrConfig = errors.New("invalid configuration")
)
