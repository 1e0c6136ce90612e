package blockstm

// Hints are optional, precomputed access sets of one transaction. They never
// affect the result, only how much speculation is wasted: hinted writes and
// deltas make readers wait for the writer, hinted reads get revalidated as
// soon as a lower transaction writes what they are going to read.
type Hints[L comparable] struct {
	Reads  []L
	Writes []L
	Deltas []L
}

func (h Hints[L]) Empty() bool {
	return len(h.Reads) == 0 && len(h.Writes) == 0 && len(h.Deltas) == 0
}

// Provider supplies the ordered transactions of a block.
type Provider[L comparable, T any] interface {
	Len() int
	Txn(index int) T
	Hints(index int) (Hints[L], bool)
}

type SliceProvider[L comparable, T any] struct {
	Txns []T
	// optional, either nil or one entry per transaction
	TxnHints []Hints[L]
}

var _ Provider[int, struct{}] = (*SliceProvider[int, struct{}])(nil)

func NewSliceProvider[L comparable, T any](txns []T) *SliceProvider[L, T] {
	return &SliceProvider[L, T]{Txns: txns}
}

func (p *SliceProvider[L, T]) WithHints(hints []Hints[L]) *SliceProvider[L, T] {
	p.TxnHints = hints
	return p
}

func (p *SliceProvider[L, T]) Len() int {
	return len(p.Txns)
}

func (p *SliceProvider[L, T]) Txn(index int) T {
	return p.Txns[index]
}

func (p *SliceProvider[L, T]) Hints(index int) (Hints[L], bool) {
	if index >= len(p.TxnHints) || p.TxnHints[index].Empty() {
		return Hints[L]{}, false
	}
	return p.TxnHints[index], true
}
