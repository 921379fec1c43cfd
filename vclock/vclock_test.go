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

package vclock

import "testing"

func TestSumAndFollow(t *testing.T) {
	c := New()
	c.Follow(1, 100)
	c.Follow(2, 5)
	if sum := c.Sum(); sum != 105 {
		t.Fatalf("sum mismatch: have %d, want 105", sum)
	}
	// Components never move backwards.
	c.Follow(1, 50)
	if lsn := c.Get(1); lsn != 100 {
		t.Fatalf("stale follow moved the component: have %d, want 100", lsn)
	}
}

func TestCompare(t *testing.T) {
	a := Clock{1: 10, 2: 20}
	b := Clock{1: 10, 2: 20}
	if cmp, ok := a.Compare(b); !ok || cmp != 0 {
		t.Fatalf("equal clocks: have (%d, %v), want (0, true)", cmp, ok)
	}
	b.Follow(2, 30)
	if cmp, ok := a.Compare(b); !ok || cmp != -1 {
		t.Fatalf("a < b: have (%d, %v), want (-1, true)", cmp, ok)
	}
	a.Follow(1, 99)
	if _, ok := a.Compare(b); ok {
		t.Fatalf("diverged clocks reported comparable")
	}
}

func TestEqualTreatsZeroAsAbsent(t *testing.T) {
	a := Clock{1: 10, 2: 0}
	b := Clock{1: 10}
	if !a.Equal(b) || !b.Equal(a) {
		t.Fatalf("clocks differing only in zero components not equal")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	a := Clock{1: 10}
	b := a.Copy()
	b.Follow(1, 20)
	if a.Get(1) != 10 {
		t.Fatalf("copy aliases the original")
	}
}

func TestString(t *testing.T) {
	c := Clock{2: 5, 1: 100}
	if s := c.String(); s != "{1: 100, 2: 5}" {
		t.Fatalf("unexpected rendering: %q", s)
	}
}
