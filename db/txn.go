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

// Stmt records one executed statement of a transaction. Old is the tuple
// withdrawn from the space's indexes, New the tuple installed; either may
// be nil for pure inserts and deletes. Savepoint marks that the statement
// actually reached the indexes: rollback skips statements without it.
type Stmt struct {
	Space     Space
	Old, New  Tuple
	Savepoint bool
}

// Txn is a minimal host transaction: an ordered statement list over a
// single engine. Statement execution refs the installed tuple; Commit
// drops the withdrawn tuples, Rollback undoes the statements in reverse
// through the engine.
type Txn struct {
	engine Engine
	stmts  []*Stmt

	// CanYield is cleared by engines that forbid cooperative suspension
	// while a statement is open.
	CanYield bool
}

// Begin opens a transaction against the given engine.
func Begin(engine Engine) (*Txn, error) {
	txn := &Txn{engine: engine, CanYield: true}
	if err := engine.Begin(txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// NewStatement appends an empty statement for the given space and returns
// it for the engine to fill in.
func (t *Txn) NewStatement(sp Space) *Stmt {
	stmt := &Stmt{Space: sp}
	t.stmts = append(t.stmts, stmt)
	return stmt
}

// Stmts returns the transaction's statements in execution order.
func (t *Txn) Stmts() []*Stmt { return t.stmts }

// Commit finalizes the transaction: withdrawn tuples lose the reference
// the space held on them.
func (t *Txn) Commit() error {
	for _, stmt := range t.stmts {
		if stmt.Old != nil {
			stmt.Old.Unref()
		}
	}
	t.stmts = nil
	return nil
}

// Rollback undoes every statement in reverse order. Each statement is
// first rolled back by the engine (which revives the old tuple in the
// indexes and withdraws the new one), then released like a committed
// deletion of the revived reference.
func (t *Txn) Rollback() {
	for i := len(t.stmts) - 1; i >= 0; i-- {
		stmt := t.stmts[i]
		t.engine.RollbackStatement(t, stmt)
		if stmt.Old != nil {
			stmt.Old.Unref()
		}
	}
	t.stmts = nil
}
