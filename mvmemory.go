package blockstm

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
)

type MVMemory[L comparable] interface {
	// Record applies the write set of version, registers its reads and returns
	// the higher indices that read a location the write set touched.
	Record(Version, ReadSet[L], WriteSet[L]) (affected []int)
	Write(location L, version Version, w WriteDescriptor[L])
	MarkEstimate(location L, txnIndex int)
	Read(location L, txnIndex int) ReadResult
	// ReadValue is Read completed with the base state for NotFound and
	// unresolved deltas.
	ReadValue(location L, txnIndex int) ([]byte, ReadResult, error)
	ValidateReadSet(txnIndex int) (bool, error)
	ConvertWritesToEstimates(txnIndex int) []L
	Prime(txnIndex int, hints Hints[L])
	Prune(location L, watermark int)
}

type mvMemory[L comparable] struct {
	data         sync.Map
	lastWriteSet []atomic.Pointer[[]L]
	lastReadSet  []atomic.Pointer[ReadSet[L]]
	base         StateView[L]
}

type dataCells struct {
	sync.RWMutex
	tm *treemap.Map
	// reverse dependency index: transactions whose last reads touched this location
	readers map[int]struct{}
}

type dataCell struct {
	flag        flag
	incarnation int
	op          WriteOp
	value       []byte
	delta       uint64
}

type flag uint

const (
	flagDone flag = iota
	flagEstimate
)

// incarnation of a placeholder installed from a write hint
const hintIncarnation = -1

var _ MVMemory[int] = (*mvMemory[int])(nil)

func NewMVMemory[L comparable](blockSize int, base StateView[L]) MVMemory[L] {
	return &mvMemory[L]{
		lastWriteSet: make([]atomic.Pointer[[]L], blockSize),
		lastReadSet:  make([]atomic.Pointer[ReadSet[L]], blockSize),
		base:         base}
}

func (mvm *mvMemory[L]) Record(version Version, rs ReadSet[L], ws WriteSet[L]) (affected []int) {
	affectedSet := make(map[int]struct{})

	mvm.applyWriteSet(version, ws, affectedSet)
	mvm.registerReads(version.Index, rs)

	mvm.lastReadSet[version.Index].Store(&rs)

	if len(affectedSet) == 0 {
		return nil
	}
	affected = make([]int, 0, len(affectedSet))
	for idx := range affectedSet {
		affected = append(affected, idx)
	}
	sort.Ints(affected)
	return
}

func (mvm *mvMemory[L]) Write(location L, version Version, w WriteDescriptor[L]) {
	mvm.writeData(location, version, w, nil)
}

func (mvm *mvMemory[L]) MarkEstimate(location L, txnIndex int) {
	cells := mvm.getLocationCells(location, func() *dataCells { return nil })
	if cells == nil {
		return
	}
	cells.Lock()
	if ci, ok := cells.tm.Get(txnIndex); ok {
		ci.(*dataCell).flag = flagEstimate
	}
	cells.Unlock()
}

func (mvm *mvMemory[L]) Read(location L, txnIndex int) (result ReadResult) {
	cells := mvm.getLocationCells(location, func() *dataCells { return nil })
	if cells == nil {
		result.Status = ReadStatusNotFound
		return
	}

	cells.RLock()
	defer cells.RUnlock()

	var (
		delta   uint64
		folding bool
		key     = txnIndex - 1
	)
	for {
		fk, fv := cells.tm.Floor(key)
		if fk == nil || fv == nil {
			if folding {
				result.Status = ReadStatusUnresolved
				result.Delta = delta
			} else {
				result.Status = ReadStatusNotFound
			}
			return
		}

		idx, c := fk.(int), fv.(*dataCell)
		switch c.flag {
		case flagEstimate:
			result.Status = ReadStatusEstimate
			result.BlockingIndex = idx
			return
		case flagDone:
		default:
			panic("should not happen - unknown flag value")
		}

		if c.op == WriteOpDelta {
			delta += c.delta
			folding = true
			key = idx - 1
			continue
		}

		if folding {
			result.Status = ReadStatusResolved
			result.Value = applyDelta(c.value, delta)
		} else {
			result.Status = ReadStatusOK
			result.Version = Version{Index: idx, Incarnation: c.incarnation}
			result.Value = c.value
		}
		return
	}
}

func (mvm *mvMemory[L]) ReadValue(location L, txnIndex int) ([]byte, ReadResult, error) {
	result := mvm.Read(location, txnIndex)
	switch result.Status {
	case ReadStatusNotFound:
		val, err := mvm.base.Get(location)
		if err != nil {
			return nil, result, storageError(err)
		}
		return val, result, nil
	case ReadStatusUnresolved:
		val, err := mvm.base.Get(location)
		if err != nil {
			return nil, result, storageError(err)
		}
		return applyDelta(val, result.Delta), result, nil
	default:
		return result.Value, result, nil
	}
}

func (mvm *mvMemory[L]) ValidateReadSet(txnIndex int) (bool /*valid*/, error) {
	prevReads := mvm.lastReadSet[txnIndex].Load()
	if prevReads == nil {
		return true, nil
	}
	for _, read := range *prevReads {
		curRead := mvm.Read(read.Location, txnIndex)

		switch curRead.Status {
		case ReadStatusEstimate:
			return false, nil
		case ReadStatusOK:
			if read.Kind != ReadKindVersion || read.V == nil || curRead.Version != *read.V {
				return false, nil
			}
		case ReadStatusNotFound:
			if read.Kind != ReadKindStorage {
				return false, nil
			}
		case ReadStatusResolved:
			if read.Kind != ReadKindResolved || !bytes.Equal(read.Value, curRead.Value) {
				return false, nil
			}
		case ReadStatusUnresolved:
			if read.Kind != ReadKindResolved {
				return false, nil
			}
			val, err := mvm.base.Get(read.Location)
			if err != nil {
				return false, storageError(err)
			}
			if !bytes.Equal(read.Value, applyDelta(val, curRead.Delta)) {
				return false, nil
			}
		}
	}
	return true, nil
}

func (mvm *mvMemory[L]) ConvertWritesToEstimates(txnIndex int) []L {
	prevWrites := mvm.lastWriteSet[txnIndex].Load()
	if prevWrites == nil {
		return nil
	}
	for _, location := range *prevWrites {
		mvm.MarkEstimate(location, txnIndex)
	}
	return *prevWrites
}

// Prime installs estimate placeholders for hinted writes and deltas, so that
// readers wait for txnIndex instead of reading a value it will overwrite.
// Hinted reads are registered in the reverse dependency index up front.
func (mvm *mvMemory[L]) Prime(txnIndex int, hints Hints[L]) {
	hinted := make([]L, 0, len(hints.Writes)+len(hints.Deltas))
	seen := make(map[L]struct{}, cap(hinted))
	for _, locations := range [][]L{hints.Writes, hints.Deltas} {
		for _, location := range locations {
			if _, ok := seen[location]; ok {
				continue
			}
			seen[location] = struct{}{}
			hinted = append(hinted, location)

			cells := mvm.getOrCreateCells(location)
			cells.Lock()
			if _, ok := cells.tm.Get(txnIndex); !ok {
				cells.tm.Put(txnIndex, &dataCell{flag: flagEstimate, incarnation: hintIncarnation})
			}
			cells.Unlock()
		}
	}
	if len(hinted) > 0 {
		mvm.lastWriteSet[txnIndex].Store(&hinted)
	}

	for _, location := range hints.Reads {
		cells := mvm.getOrCreateCells(location)
		cells.Lock()
		cells.readers[txnIndex] = struct{}{}
		cells.Unlock()
	}
}

// Prune drops history of location that no reader above watermark can observe:
// every entry below the newest committed full value.
func (mvm *mvMemory[L]) Prune(location L, watermark int) {
	cells := mvm.getLocationCells(location, func() *dataCells { return nil })
	if cells == nil {
		return
	}
	cells.Lock()
	defer cells.Unlock()

	for r := range cells.readers {
		if r <= watermark {
			delete(cells.readers, r)
		}
	}

	key := watermark
	floor := -1
	for {
		fk, fv := cells.tm.Floor(key)
		if fk == nil {
			return
		}
		c := fv.(*dataCell)
		if c.flag == flagDone && c.op != WriteOpDelta {
			floor = fk.(int)
			break
		}
		key = fk.(int) - 1
	}

	for _, k := range cells.tm.Keys() {
		if k.(int) >= floor {
			break
		}
		cells.tm.Remove(k)
	}
}

func (mvm *mvMemory[L]) applyWriteSet(version Version, ws WriteSet[L], affected map[int]struct{}) {
	newLocations := make(map[L]struct{}, len(ws))
	newLocationList := make([]L, 0, len(ws))
	for _, w := range ws {
		mvm.writeData(w.Location, version, w, affected)
		if _, ok := newLocations[w.Location]; !ok {
			newLocations[w.Location] = struct{}{}
			newLocationList = append(newLocationList, w.Location)
		}
	}

	prevLocations := mvm.lastWriteSet[version.Index].Load()
	if prevLocations != nil {
		for _, location := range *prevLocations {
			if _, ok := newLocations[location]; !ok {
				mvm.removeData(location, version.Index, affected)
			}
		}
	}

	mvm.lastWriteSet[version.Index].Store(&newLocationList)
}

func (mvm *mvMemory[L]) writeData(location L, version Version, w WriteDescriptor[L], affected map[int]struct{}) {
	cells := mvm.getOrCreateCells(location)

	value := w.Val
	if w.Op == WriteOpPut && value == nil {
		value = []byte{}
	} else if w.Op == WriteOpDelete {
		value = nil
	}

	cells.Lock()

	if ci, ok := cells.tm.Get(version.Index); !ok {
		cells.tm.Put(version.Index, &dataCell{
			flag:        flagDone,
			incarnation: version.Incarnation,
			op:          w.Op,
			value:       value,
			delta:       w.Delta,
		})
	} else {
		c := ci.(*dataCell)
		if c.incarnation > version.Incarnation {
			cells.Unlock()
			invariant(version, "existing value at %v has higher incarnation %d", location, c.incarnation)
		}

		c.flag = flagDone
		c.incarnation = version.Incarnation
		c.op = w.Op
		c.value = value
		c.delta = w.Delta
	}
	cells.collectReaders(version.Index, affected)
	cells.Unlock()
}

func (mvm *mvMemory[L]) removeData(location L, txnIndex int, affected map[int]struct{}) {
	cells := mvm.getLocationCells(location, func() (cells *dataCells) {
		return
	})
	if cells == nil {
		return
	}
	cells.Lock()
	cells.tm.Remove(txnIndex)
	cells.collectReaders(txnIndex, affected)
	cells.Unlock()
}

func (mvm *mvMemory[L]) registerReads(txnIndex int, rs ReadSet[L]) {
	for _, read := range rs {
		cells := mvm.getOrCreateCells(read.Location)
		cells.Lock()
		cells.readers[txnIndex] = struct{}{}
		cells.Unlock()
	}
}

// called with cells locked
func (cells *dataCells) collectReaders(writer int, affected map[int]struct{}) {
	if affected == nil {
		return
	}
	for r := range cells.readers {
		if r > writer {
			affected[r] = struct{}{}
		}
	}
}

func (mvm *mvMemory[L]) getOrCreateCells(location L) *dataCells {
	return mvm.getLocationCells(location, func() (cells *dataCells) {
		n := &dataCells{
			tm:      treemap.NewWithIntComparator(),
			readers: make(map[int]struct{}),
		}
		val, _ := mvm.data.LoadOrStore(location, n)
		cells = val.(*dataCells)
		return
	})
}

func (mvm *mvMemory[L]) getLocationCells(location L, fGen func() *dataCells) (cells *dataCells) {
	val, ok := mvm.data.Load(location)

	if !ok {
		cells = fGen()
	} else {
		cells = val.(*dataCells)
	}

	return
}
