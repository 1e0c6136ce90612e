package blockstm

import (
	"github.com/pingcap/errors"
)

// mvView is the read view of one execution attempt. Repeated reads of a
// location return the first observed value, so the attempt runs against one
// coherent snapshot; validation checks that snapshot is still current.
type mvView[L comparable] struct {
	txnIndex  int
	mvmemory  MVMemory[L]
	scheduler Scheduler
	reads     map[L]int
	readSet   ReadSet[L]
	values    [][]byte
	// sticky: ErrHalted or a storage error
	err error
}

var _ View[int] = (*mvView[int])(nil)

func newMVView[L comparable](txnIndex int, mvmemory MVMemory[L], scheduler Scheduler) *mvView[L] {
	return &mvView[L]{
		txnIndex:  txnIndex,
		mvmemory:  mvmemory,
		scheduler: scheduler,
		reads:     make(map[L]int),
	}
}

// Get returns the value txnIndex observes. The returned slice is shared and
// must not be modified.
func (v *mvView[L]) Get(location L) ([]byte, error) {
	if v.err != nil {
		return nil, v.err
	}
	if i, ok := v.reads[location]; ok {
		return v.values[i], nil
	}

	for {
		if v.scheduler.Done() {
			v.err = ErrHalted
			return nil, v.err
		}

		val, result, err := v.mvmemory.ReadValue(location, v.txnIndex)
		if err != nil {
			v.err = err
			return nil, err
		}

		read := ReadDescriptor[L]{Location: location}
		switch result.Status {
		case ReadStatusEstimate:
			if w, wait := v.scheduler.WaitForDependency(v.txnIndex, result.BlockingIndex); wait {
				w.Wait()
			}
			continue
		case ReadStatusOK:
			version := result.Version
			read.Kind = ReadKindVersion
			read.V = &version
		case ReadStatusNotFound:
			read.Kind = ReadKindStorage
		case ReadStatusResolved, ReadStatusUnresolved:
			read.Kind = ReadKindResolved
			read.Value = val
		}

		v.reads[location] = len(v.readSet)
		v.readSet = append(v.readSet, read)
		v.values = append(v.values, val)
		return val, nil
	}
}

// mvReader exposes the committed state below index as a StateView.
type mvReader[L comparable] struct {
	mvmemory MVMemory[L]
	index    int
}

func (r mvReader[L]) Get(location L) ([]byte, error) {
	val, result, err := r.mvmemory.ReadValue(location, r.index)
	if err != nil {
		return nil, err
	}
	if result.Status == ReadStatusEstimate {
		invariant(Version{Index: result.BlockingIndex}, "estimate below committed watermark %d", r.index)
	}
	return val, nil
}

type stateValue struct {
	val     []byte
	deleted bool
}

// seqView applies transactions one after another on top of a parent view.
type seqView[L comparable] struct {
	parent StateView[L]
	writes map[L]stateValue
	err    error
}

func newSeqView[L comparable](parent StateView[L]) *seqView[L] {
	return &seqView[L]{parent: parent, writes: make(map[L]stateValue)}
}

func (v *seqView[L]) Get(location L) ([]byte, error) {
	if v.err != nil {
		return nil, v.err
	}
	if sv, ok := v.writes[location]; ok {
		if sv.deleted {
			return nil, nil
		}
		return sv.val, nil
	}
	val, err := v.parent.Get(location)
	if err != nil {
		if !IsStorageError(err) {
			err = storageError(err)
		}
		v.err = err
		return nil, err
	}
	return val, nil
}

// apply writes ws and returns it with deltas materialized into puts.
func (v *seqView[L]) apply(ws WriteSet[L]) (WriteSet[L], error) {
	out := make(WriteSet[L], 0, len(ws))
	for _, w := range ws {
		switch w.Op {
		case WriteOpPut:
			val := w.Val
			if val == nil {
				val = []byte{}
			}
			v.writes[w.Location] = stateValue{val: val}
		case WriteOpDelete:
			v.writes[w.Location] = stateValue{deleted: true}
		case WriteOpDelta:
			cur, err := v.Get(w.Location)
			if err != nil {
				return nil, err
			}
			w = Put(w.Location, applyDelta(cur, w.Delta))
			v.writes[w.Location] = stateValue{val: w.Val}
		}
		out = append(out, w)
	}
	return out, nil
}

// compactWrites merges descriptors of the same location in order, keeping
// the position of the first one.
func compactWrites[L comparable](ws WriteSet[L]) WriteSet[L] {
	if len(ws) < 2 {
		return ws
	}
	pos := make(map[L]int, len(ws))
	out := make(WriteSet[L], 0, len(ws))
	for _, w := range ws {
		i, ok := pos[w.Location]
		if !ok {
			pos[w.Location] = len(out)
			out = append(out, w)
			continue
		}
		if w.Op != WriteOpDelta {
			out[i] = w
			continue
		}
		prev := out[i]
		switch prev.Op {
		case WriteOpDelta:
			prev.Delta += w.Delta
		case WriteOpPut:
			prev.Val = applyDelta(prev.Val, w.Delta)
		case WriteOpDelete:
			prev = Put(w.Location, applyDelta(nil, w.Delta))
		}
		out[i] = prev
	}
	return out
}

// runVM isolates VM failures, panics included, to the transaction.
func runVM[L comparable, T any](vm VM[L, T], view View[L], txn T) (out VMOutput[L], err error) {
	defer func() {
		if r := recover(); r != nil {
			if ie, ok := r.(*InvariantError); ok {
				panic(ie)
			}
			err = errors.Errorf("vm panic: %v", r)
		}
	}()
	return vm.Execute(view, txn)
}
