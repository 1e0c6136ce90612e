package blockstm

import (
	"sync/atomic"
)

// Token is the capability to touch the scratch slot of one transaction. Only
// the scheduler mints tokens: one per incarnation it hands out for execution,
// and one when it commits the transaction. The scheduler guarantees that at
// most one live token exists per transaction index at any time.
type Token struct {
	index int
	// owner id, never zero for a minted token
	owner uint64
}

func (t Token) Index() int { return t.index }

func (t Token) valid() bool { return t.owner != 0 }

// Slots is an index-guarded arena of per-transaction scratch values.
//
// Slots does not provide mutual exclusion. Acquire and Release only add the
// acquire/release fences that make a value written under one token visible
// to the next token holder, and turn an aliased acquisition into an
// InvariantError instead of a silent data race.
type Slots[T any] struct {
	slots []slot[T]
}

type slot[T any] struct {
	// CAS on owner is the acquire (0 -> token) and release (token -> 0) fence for val
	owner atomic.Uint64
	val   T
}

func NewSlots[T any](n int) *Slots[T] {
	return &Slots[T]{slots: make([]slot[T], n)}
}

func (s *Slots[T]) Len() int {
	return len(s.slots)
}

// Acquire returns the slot guarded by tok. The pointer must not be used after
// Release.
func (s *Slots[T]) Acquire(tok Token) *T {
	if !tok.valid() {
		invariant(Version{Index: tok.index}, "acquire with unminted token")
	}
	sl := &s.slots[tok.index]
	if !sl.owner.CompareAndSwap(0, tok.owner) {
		invariant(Version{Index: tok.index}, "scratch slot held by owner %d, acquired by %d", sl.owner.Load(), tok.owner)
	}
	return &sl.val
}

func (s *Slots[T]) Release(tok Token) {
	sl := &s.slots[tok.index]
	if !sl.owner.CompareAndSwap(tok.owner, 0) {
		invariant(Version{Index: tok.index}, "scratch slot released by non-owner %d", tok.owner)
	}
}

// With runs f on the slot guarded by tok.
func (s *Slots[T]) With(tok Token, f func(*T)) {
	v := s.Acquire(tok)
	defer s.Release(tok)
	f(v)
}
