// Package memstore is an ordered in-memory state view, used as the base
// state of a block in tools and tests.
package memstore

import (
	"cmp"
	"sync"

	"github.com/google/btree"

	"github.com/zhiqiangxu/blockstm"
)

const degree = 32

type item[L cmp.Ordered] struct {
	key L
	val []byte
}

func less[L cmp.Ordered](a, b item[L]) bool {
	return a.key < b.key
}

// Store is safe for concurrent readers; Apply must not run concurrently
// with a block executing on top of the store.
type Store[L cmp.Ordered] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[item[L]]
}

var _ blockstm.StateView[string] = (*Store[string])(nil)

func New[L cmp.Ordered]() *Store[L] {
	return &Store[L]{tree: btree.NewG[item[L]](degree, less[L])}
}

func (s *Store[L]) Get(location L) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.tree.Get(item[L]{key: location})
	if !ok {
		return nil, nil
	}
	return it.val, nil
}

func (s *Store[L]) Put(location L, val []byte) {
	if val == nil {
		val = []byte{}
	}
	s.mu.Lock()
	s.tree.ReplaceOrInsert(item[L]{key: location, val: val})
	s.mu.Unlock()
}

func (s *Store[L]) Delete(location L) {
	s.mu.Lock()
	s.tree.Delete(item[L]{key: location})
	s.mu.Unlock()
}

func (s *Store[L]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Apply writes the committed outputs of a block in order. Outputs other than
// StatusSuccess carry no writes.
func (s *Store[L]) Apply(outputs []blockstm.TxnOutput[L]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range outputs {
		if out.Status != blockstm.StatusSuccess {
			continue
		}
		for _, w := range out.Writes {
			switch w.Op {
			case blockstm.WriteOpPut:
				val := w.Val
				if val == nil {
					val = []byte{}
				}
				s.tree.ReplaceOrInsert(item[L]{key: w.Location, val: val})
			case blockstm.WriteOpDelete:
				s.tree.Delete(item[L]{key: w.Location})
			case blockstm.WriteOpDelta:
				cur, _ := s.tree.Get(item[L]{key: w.Location})
				s.tree.ReplaceOrInsert(item[L]{key: w.Location, val: blockstm.EncodeCounter(blockstm.DecodeCounter(cur.val) + w.Delta)})
			}
		}
	}
}

// Ascend calls f for every location in order until f returns false.
func (s *Store[L]) Ascend(f func(location L, val []byte) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Ascend(func(it item[L]) bool {
		return f(it.key, it.val)
	})
}

// Clone returns an independent copy, cheap thanks to the copy-on-write tree.
func (s *Store[L]) Clone() *Store[L] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Store[L]{tree: s.tree.Clone()}
}
