package blockstm

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterCodec(t *testing.T) {
	assert.Equal(t, uint64(0), DecodeCounter(nil))
	assert.Equal(t, uint64(7), DecodeCounter(EncodeCounter(7)))
	assert.Equal(t, uint64(1), DecodeCounter([]byte{1}), "short values are zero padded")
	assert.Equal(t, uint64(1), DecodeCounter([]byte{1, 0, 0, 0, 0, 0, 0, 0, 9}), "long values are truncated")
	assert.Equal(t, uint64(0), DecodeCounter(applyDelta(EncodeCounter(^uint64(0)), 1)))
}

func TestCompactWrites(t *testing.T) {
	ws := compactWrites(WriteSet[string]{
		Put("a", []byte("1")),
		AddDelta("c", 1),
		Put("a", []byte("2")),
		AddDelta("c", 2),
		Delete[string]("d"),
		AddDelta("d", 5),
		Put("p", EncodeCounter(10)),
		AddDelta("p", 1),
	})
	require.Len(t, ws, 4)
	assert.Equal(t, Put("a", []byte("2")), ws[0])
	assert.Equal(t, AddDelta("c", 3), ws[1])
	assert.Equal(t, Put("d", EncodeCounter(5)), ws[2])
	assert.Equal(t, Put("p", EncodeCounter(11)), ws[3])
}

func TestMVView_CachesReads(t *testing.T) {
	mvm := NewMVMemory[string](3, mapView{"b": []byte("base")})
	mvm.Record(Version{Index: 0}, nil, WriteSet[string]{Put("a", []byte("x")), AddDelta("c", 2)})
	s := NewScheduler(3)

	view := newMVView[string](2, mvm, s)
	val, err := view.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), val)

	// a later write is not observed within the same attempt
	mvm.Record(Version{Index: 1}, nil, WriteSet[string]{Put("a", []byte("y"))})
	val, _ = view.Get("a")
	assert.Equal(t, []byte("x"), val)

	val, _ = view.Get("b")
	assert.Equal(t, []byte("base"), val)
	val, _ = view.Get("c")
	assert.Equal(t, uint64(2), DecodeCounter(val))

	require.Len(t, view.readSet, 3)
	assert.Equal(t, ReadKindVersion, view.readSet[0].Kind)
	assert.Equal(t, &Version{Index: 0}, view.readSet[0].V)
	assert.Equal(t, ReadKindStorage, view.readSet[1].Kind)
	assert.Equal(t, ReadKindResolved, view.readSet[2].Kind)
	assert.Equal(t, EncodeCounter(2), view.readSet[2].Value)
}

func TestMVView_HaltedAndStorageErrors(t *testing.T) {
	s := NewScheduler(2)
	s.Halt(HaltCancelled)
	view := newMVView[string](1, NewMVMemory[string](2, mapView{}), s)
	_, err := view.Get("a")
	assert.Equal(t, ErrHalted, err)

	view = newMVView[string](1, NewMVMemory[string](2, failingView{}), NewScheduler(2))
	_, err = view.Get("a")
	assert.True(t, IsStorageError(err))
	_, err = view.Get("b")
	assert.True(t, IsStorageError(err), "sticky")
}

func TestSeqView_Apply(t *testing.T) {
	view := newSeqView[string](mapView{"a": []byte("1"), "c": EncodeCounter(4)})
	ws, err := view.apply(WriteSet[string]{Delete[string]("a"), AddDelta("c", 1), Put[string]("e", nil)})
	require.NoError(t, err)
	assert.Equal(t, Put("c", EncodeCounter(5)), ws[1])

	val, _ := view.Get("a")
	assert.Nil(t, val)
	val, _ = view.Get("c")
	assert.Equal(t, uint64(5), DecodeCounter(val))
	val, _ = view.Get("e")
	assert.NotNil(t, val)
}

func TestSeqView_StorageError(t *testing.T) {
	view := newSeqView[string](failingView{})
	_, err := view.Get("a")
	assert.True(t, IsStorageError(err))
}

func TestRunVM_RecoversPanics(t *testing.T) {
	vm := VMFunc[string, int](func(View[string], int) (VMOutput[string], error) {
		panic("boom")
	})
	_, err := runVM[string, int](vm, mapView{}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	vm = func(View[string], int) (VMOutput[string], error) {
		invariant(Version{}, "broken")
		return VMOutput[string]{}, nil
	}
	assert.Panics(t, func() { runVM[string, int](vm, mapView{}, 0) })

	vm = func(View[string], int) (VMOutput[string], error) {
		return VMOutput[string]{}, errors.New("rejected")
	}
	_, err = runVM[string, int](vm, mapView{}, 0)
	assert.EqualError(t, err, "rejected")
}
