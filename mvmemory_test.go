package blockstm

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapView map[string][]byte

func (m mapView) Get(location string) ([]byte, error) {
	return m[location], nil
}

type failingView struct{}

func (failingView) Get(string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestMVMemory_ReadsOnlyLowerIndices(t *testing.T) {
	mvm := NewMVMemory[string](4, mapView{})
	mvm.Record(Version{Index: 2}, nil, WriteSet[string]{Put("x", []byte("2"))})

	r := mvm.Read("x", 2)
	assert.Equal(t, ReadStatusNotFound, r.Status, "own write is invisible")

	r = mvm.Read("x", 1)
	assert.Equal(t, ReadStatusNotFound, r.Status)

	r = mvm.Read("x", 3)
	require.Equal(t, ReadStatusOK, r.Status)
	assert.Equal(t, Version{Index: 2}, r.Version)
	assert.Equal(t, []byte("2"), r.Value)

	mvm.Record(Version{Index: 0}, nil, WriteSet[string]{Put("x", []byte("0"))})
	r = mvm.Read("x", 2)
	require.Equal(t, ReadStatusOK, r.Status)
	assert.Equal(t, 0, r.Version.Index)
	r = mvm.Read("x", 3)
	assert.Equal(t, 2, r.Version.Index, "highest lower writer wins")
}

func TestMVMemory_ReadValueFallsBackToBase(t *testing.T) {
	mvm := NewMVMemory[string](2, mapView{"x": []byte("base")})

	val, r, err := mvm.ReadValue("x", 1)
	require.NoError(t, err)
	assert.Equal(t, ReadStatusNotFound, r.Status)
	assert.Equal(t, []byte("base"), val)

	mvm = NewMVMemory[string](2, failingView{})
	_, _, err = mvm.ReadValue("x", 1)
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
}

func TestMVMemory_DeleteAndEmptyPut(t *testing.T) {
	mvm := NewMVMemory[string](3, mapView{"x": []byte("base")})
	mvm.Record(Version{Index: 0}, nil, WriteSet[string]{Delete[string]("x"), Put[string]("y", nil)})

	val, r, err := mvm.ReadValue("x", 1)
	require.NoError(t, err)
	assert.Equal(t, ReadStatusOK, r.Status)
	assert.Nil(t, val, "deletion shadows the base value")

	val, _, err = mvm.ReadValue("y", 1)
	require.NoError(t, err)
	assert.NotNil(t, val)
	assert.Empty(t, val)
}

func TestMVMemory_EstimatesAndRewrites(t *testing.T) {
	mvm := NewMVMemory[string](3, mapView{})
	mvm.Record(Version{Index: 0}, nil, WriteSet[string]{Put("x", []byte("a")), Put("y", []byte("b"))})

	assert.ElementsMatch(t, []string{"x", "y"}, mvm.ConvertWritesToEstimates(0))
	r := mvm.Read("x", 1)
	require.Equal(t, ReadStatusEstimate, r.Status)
	assert.Equal(t, 0, r.BlockingIndex)

	// the next incarnation drops y and overwrites x
	mvm.Record(Version{Index: 0, Incarnation: 1}, nil, WriteSet[string]{Put("x", []byte("c"))})
	r = mvm.Read("x", 1)
	require.Equal(t, ReadStatusOK, r.Status)
	assert.Equal(t, Version{Index: 0, Incarnation: 1}, r.Version)
	assert.Equal(t, ReadStatusNotFound, mvm.Read("y", 1).Status)
}

func TestMVMemory_IncarnationRegressionPanics(t *testing.T) {
	mvm := NewMVMemory[string](1, mapView{})
	mvm.Write("x", Version{Index: 0, Incarnation: 2}, Put("x", []byte("a")))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(*InvariantError)
		require.True(t, ok)
		assert.True(t, IsInvariantError(err))
	}()
	mvm.Write("x", Version{Index: 0, Incarnation: 1}, Put("x", []byte("b")))
}

func TestMVMemory_Deltas(t *testing.T) {
	mvm := NewMVMemory[string](5, mapView{"c": EncodeCounter(10)})
	mvm.Record(Version{Index: 0}, nil, WriteSet[string]{AddDelta("c", 1)})
	mvm.Record(Version{Index: 1}, nil, WriteSet[string]{AddDelta("c", 2)})

	r := mvm.Read("c", 2)
	require.Equal(t, ReadStatusUnresolved, r.Status)
	assert.Equal(t, uint64(3), r.Delta)
	val, _, err := mvm.ReadValue("c", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), DecodeCounter(val))

	mvm.Record(Version{Index: 2}, nil, WriteSet[string]{Put("c", EncodeCounter(100))})
	mvm.Record(Version{Index: 3}, nil, WriteSet[string]{AddDelta("c", 5)})
	r = mvm.Read("c", 4)
	require.Equal(t, ReadStatusResolved, r.Status)
	assert.Equal(t, uint64(105), DecodeCounter(r.Value))

	// wrapping arithmetic
	mvm.Record(Version{Index: 3, Incarnation: 1}, nil, WriteSet[string]{AddDelta("c", ^uint64(99))})
	r = mvm.Read("c", 4)
	assert.Equal(t, uint64(0), DecodeCounter(r.Value))

	// an estimate below a delta blocks the fold
	mvm.MarkEstimate("c", 2)
	r = mvm.Read("c", 4)
	require.Equal(t, ReadStatusEstimate, r.Status)
	assert.Equal(t, 2, r.BlockingIndex)
}

func TestMVMemory_ValidateReadSet(t *testing.T) {
	mvm := NewMVMemory[string](3, mapView{})
	mvm.Record(Version{Index: 0}, nil, WriteSet[string]{Put("x", []byte("a"))})

	v0 := Version{Index: 0}
	mvm.Record(Version{Index: 2}, ReadSet[string]{
		{Location: "x", Kind: ReadKindVersion, V: &v0},
		{Location: "y", Kind: ReadKindStorage},
	}, nil)
	valid, err := mvm.ValidateReadSet(2)
	require.NoError(t, err)
	assert.True(t, valid)

	mvm.Record(Version{Index: 1}, nil, WriteSet[string]{Put("y", []byte("b"))})
	valid, err = mvm.ValidateReadSet(2)
	require.NoError(t, err)
	assert.False(t, valid, "storage read shadowed by a lower write")

	mvm.Record(Version{Index: 1, Incarnation: 1}, nil, nil)
	valid, _ = mvm.ValidateReadSet(2)
	assert.True(t, valid)

	mvm.ConvertWritesToEstimates(0)
	valid, _ = mvm.ValidateReadSet(2)
	assert.False(t, valid, "estimate invalidates")
}

func TestMVMemory_ValidateResolvedByValue(t *testing.T) {
	mvm := NewMVMemory[string](3, mapView{"c": EncodeCounter(1)})
	mvm.Record(Version{Index: 0}, nil, WriteSet[string]{AddDelta("c", 4)})
	mvm.Record(Version{Index: 2}, ReadSet[string]{{Location: "c", Kind: ReadKindResolved, Value: EncodeCounter(5)}}, nil)

	valid, err := mvm.ValidateReadSet(2)
	require.NoError(t, err)
	assert.True(t, valid)

	// a different route to the same value still validates
	mvm.Record(Version{Index: 0, Incarnation: 1}, nil, WriteSet[string]{Put("c", EncodeCounter(2))})
	mvm.Record(Version{Index: 1}, nil, WriteSet[string]{AddDelta("c", 3)})
	valid, _ = mvm.ValidateReadSet(2)
	assert.True(t, valid)

	mvm.Record(Version{Index: 1, Incarnation: 1}, nil, WriteSet[string]{AddDelta("c", 4)})
	valid, _ = mvm.ValidateReadSet(2)
	assert.False(t, valid)
}

func TestMVMemory_RecordReturnsAffectedReaders(t *testing.T) {
	mvm := NewMVMemory[string](4, mapView{})
	mvm.Record(Version{Index: 3}, ReadSet[string]{{Location: "x", Kind: ReadKindStorage}}, nil)
	mvm.Record(Version{Index: 1}, ReadSet[string]{{Location: "x", Kind: ReadKindStorage}}, nil)

	affected := mvm.Record(Version{Index: 2}, nil, WriteSet[string]{Put("x", []byte("a"))})
	assert.Equal(t, []int{3}, affected, "only higher readers")

	affected = mvm.Record(Version{Index: 0}, nil, WriteSet[string]{Put("x", []byte("b"))})
	assert.Equal(t, []int{1, 3}, affected)

	// dropping the write affects the same readers
	affected = mvm.Record(Version{Index: 0, Incarnation: 1}, nil, nil)
	assert.Equal(t, []int{1, 3}, affected)
}

func TestMVMemory_Prime(t *testing.T) {
	mvm := NewMVMemory[string](3, mapView{})
	mvm.Prime(0, Hints[string]{Writes: []string{"x"}, Deltas: []string{"c", "x"}, Reads: []string{"r"}})

	for _, location := range []string{"x", "c"} {
		r := mvm.Read(location, 1)
		require.Equal(t, ReadStatusEstimate, r.Status, location)
		assert.Equal(t, 0, r.BlockingIndex)
	}

	affected := mvm.Record(Version{Index: 0}, nil, WriteSet[string]{Put("x", []byte("a"))})
	assert.Empty(t, affected)
	assert.Equal(t, ReadStatusOK, mvm.Read("x", 1).Status)
	assert.Equal(t, ReadStatusNotFound, mvm.Read("c", 1).Status, "unused placeholder is removed")

	// hinted reads are revalidated before the reader ever executed
	mvm.Prime(2, Hints[string]{Reads: []string{"z"}})
	affected = mvm.Record(Version{Index: 1}, nil, WriteSet[string]{Put("z", nil)})
	assert.Equal(t, []int{2}, affected)
}

func TestMVMemory_Prune(t *testing.T) {
	mvm := NewMVMemory[string](6, mapView{})
	mvm.Record(Version{Index: 0}, ReadSet[string]{{Location: "x", Kind: ReadKindStorage}}, WriteSet[string]{Put("x", []byte("0"))})
	mvm.Record(Version{Index: 1}, nil, WriteSet[string]{Put("x", []byte("1"))})
	mvm.Record(Version{Index: 2}, nil, WriteSet[string]{AddDelta("x", 1)})
	mvm.Record(Version{Index: 4}, ReadSet[string]{{Location: "x", Kind: ReadKindStorage}}, nil)

	mvm.Prune("x", 2)

	cells := mvm.(*mvMemory[string]).getLocationCells("x", func() *dataCells { return nil })
	require.NotNil(t, cells)
	keys := cells.tm.Keys()
	assert.Equal(t, []interface{}{1, 2}, keys, "kept the newest full value and what lies above")
	_, stale := cells.readers[0]
	assert.False(t, stale)
	_, live := cells.readers[4]
	assert.True(t, live)

	val, _, err := mvm.ReadValue("x", 5)
	require.NoError(t, err)
	assert.Equal(t, applyDelta([]byte("1"), 1), val)
}
