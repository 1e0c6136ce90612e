package blockstm

import (
	"sync"
	"sync/atomic"
)

type Scheduler interface {
	Done() bool
	NextTask() *Task
	WaitForDependency(txnIndex, blockingIndex int) (*Waiter, bool)
	FinishExecution(version Version, affected []int) *Task
	FinishValidation(task *Task, valid, aborted bool) *Task
	TryValidationAbort(Version) bool
	Halt(reason HaltReason)
	HaltReason() HaltReason
	Watermark() int
	Status(txnIndex int) TxnStatus
	Incarnation(txnIndex int) int
	Aborts() int64
	Suspensions() int64
}

type HaltReason int32

const (
	HaltNone HaltReason = iota
	// every transaction committed
	HaltCompleted
	// abort count crossed the thrashing threshold
	HaltFallback
	// block gas limit reached
	HaltTruncated
	HaltCancelled
	// a worker hit an invariant violation or a storage error
	HaltFatal
)

func (r HaltReason) String() string {
	switch r {
	case HaltNone:
		return "none"
	case HaltCompleted:
		return "completed"
	case HaltFallback:
		return "fallback"
	case HaltTruncated:
		return "truncated"
	case HaltCancelled:
		return "cancelled"
	case HaltFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CommitFunc is called, in index order and under the commit lock, for every
// transaction that becomes committed. Returning false stops the block after
// version.Index.
type CommitFunc func(version Version, tok Token) bool

type SchedulerOption func(*scheduler)

func WithPriority(p Priority) SchedulerOption {
	return func(s *scheduler) { s.priority = p }
}

// WithAbortLimit halts the scheduler with HaltFallback once more than limit
// aborts happened. A negative limit disables the check.
func WithAbortLimit(limit int64) SchedulerOption {
	return func(s *scheduler) { s.abortLimit = limit }
}

func WithCommitFunc(f CommitFunc) SchedulerOption {
	return func(s *scheduler) { s.onCommit = f }
}

type scheduler struct {
	doneMarker       atomic.Bool
	haltReason       atomic.Int32
	validationIndex  atomic.Int32
	executionIndex   atomic.Int32
	commitIndex      atomic.Int32
	numAborts        atomic.Int64
	numSuspensions   atomic.Int64
	tokenSeq         atomic.Uint64
	commitMu         sync.Mutex
	allTxnStatus     []*txnStatus
	allTxnDependency []*txnDependency // transactions waiting on each index
	blockSize        int
	priority         Priority
	abortLimit       int64
	onCommit         CommitFunc
}

type txnStatus struct {
	sync.Mutex
	// one of ReadyToExecute, Executing, Executed, Aborted, Committed
	status      TxnStatus
	incarnation int
	// bumped whenever the current incarnation needs a fresh validation
	requiredWave uint64
	// highest wave that validated successfully for the current incarnation
	validatedWave uint64
	inflight      int
}

type txnDependency struct {
	sync.Mutex
	waiters []*Waiter
}

// Waiter parks a transaction until the transaction it depends on finishes
// execution, gets aborted, or the block is halted.
type Waiter struct {
	ch            chan struct{}
	BlockingIndex int
}

func (w *Waiter) Wait() {
	<-w.ch
}

func (w *Waiter) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

var _ Scheduler = (*scheduler)(nil)

func NewScheduler(blockSize int, opts ...SchedulerOption) Scheduler {
	allTxnStatus := make([]*txnStatus, blockSize)
	allTxnDependency := make([]*txnDependency, blockSize)
	for i := 0; i < blockSize; i++ {
		allTxnStatus[i] = &txnStatus{}
		allTxnDependency[i] = &txnDependency{}
	}

	s := &scheduler{
		blockSize:        blockSize,
		allTxnStatus:     allTxnStatus,
		allTxnDependency: allTxnDependency,
		priority:         PriorityLowestIndex,
		abortLimit:       -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if blockSize == 0 {
		s.halt(HaltCompleted)
	}
	return s
}

func (s *scheduler) Done() bool {
	return s.doneMarker.Load()
}

func (s *scheduler) NextTask() *Task {
	if s.Done() {
		return &Task{Kind: TaskKindDone}
	}

	var task *Task
	if s.preferValidation() {
		if task = s.nextVersionToValidate(); task == nil {
			task = s.nextVersionToExecute()
		}
	} else {
		if task = s.nextVersionToExecute(); task == nil {
			task = s.nextVersionToValidate()
		}
	}
	if task != nil {
		return task
	}
	if s.Done() {
		return &Task{Kind: TaskKindDone}
	}
	return &Task{Kind: TaskKindWait, Version: Version{Index: int(s.commitIndex.Load())}}
}

func (s *scheduler) preferValidation() bool {
	switch s.priority {
	case PriorityExecutionFirst:
		return s.executionIndex.Load() >= int32(s.blockSize)
	default:
		return s.validationIndex.Load() < s.executionIndex.Load()
	}
}

func (s *scheduler) WaitForDependency(txnIndex, blockingIndex int) (*Waiter, bool) {
	if blockingIndex >= txnIndex {
		invariant(Version{Index: txnIndex}, "dependency on higher transaction %d", blockingIndex)
	}

	txnDependency := s.allTxnDependency[blockingIndex]
	txnDependency.Lock()

	txnStatus := s.allTxnStatus[blockingIndex]
	txnStatus.Lock()
	status := txnStatus.status
	txnStatus.Unlock()
	// dependency resolved
	if status == Executed || status == Committed || s.Done() {
		txnDependency.Unlock()
		return nil, false
	}

	w := &Waiter{ch: make(chan struct{}, 1), BlockingIndex: blockingIndex}
	txnDependency.waiters = append(txnDependency.waiters, w)
	txnDependency.Unlock()

	s.numSuspensions.Add(1)
	return w, true
}

func (s *scheduler) FinishExecution(version Version, affected []int) *Task {
	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	if txnStatus.status != Executing || txnStatus.incarnation != version.Incarnation {
		status, incarnation := txnStatus.status, txnStatus.incarnation
		txnStatus.Unlock()
		invariant(version, "finish execution in status %v incarnation %d", status, incarnation)
	}
	txnStatus.Unlock()

	// readers of what this txn touched need a new wave before it turns
	// Executed and can commit
	minAffected := -1
	for _, r := range affected {
		readerStatus := s.allTxnStatus[r]
		readerStatus.Lock()
		if readerStatus.status == Committed {
			readerStatus.Unlock()
			invariant(version, "committed txn %d read a location rewritten by a lower txn", r)
		}
		readerStatus.requiredWave++
		readerStatus.Unlock()
		if minAffected == -1 || r < minAffected {
			minAffected = r
		}
	}
	if minAffected != -1 {
		s.decreaseValidationIndex(minAffected)
	}

	// only the executing worker moves the status out of Executing
	txnStatus.Lock()
	txnStatus.status = Executed
	txnStatus.requiredWave++
	wave := txnStatus.requiredWave
	txnStatus.Unlock()

	s.resumeDependencies(version.Index)

	if s.validationIndex.Load() > int32(version.Index) { // otherwise the sweep will reach it
		txnStatus.Lock()
		defer txnStatus.Unlock()
		if txnStatus.status == Executed && txnStatus.incarnation == version.Incarnation {
			txnStatus.inflight++
			return &Task{Version: version, Kind: TaskKindV, Wave: wave}
		}
	}
	return nil
}

func (s *scheduler) FinishValidation(task *Task, valid, aborted bool) *Task {
	txnIndex := task.Version.Index
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	txnStatus.inflight--

	if aborted {
		if txnStatus.status != Aborted {
			status := txnStatus.status
			txnStatus.Unlock()
			invariant(task.Version, "finish aborted validation in status %v", status)
		}
		txnStatus.incarnation++
		txnStatus.status = ReadyToExecute
		txnStatus.Unlock()

		// waiters re-read and find the estimates
		s.resumeDependencies(txnIndex)

		if s.executionIndex.Load() > int32(txnIndex) {
			if task := s.tryIncarnation(txnIndex); task != nil {
				// return re-execution task to the caller
				return task
			}
		}
		return nil
	}

	if valid && txnStatus.status == Executed && txnStatus.incarnation == task.Version.Incarnation &&
		task.Wave > txnStatus.validatedWave {
		txnStatus.validatedWave = task.Wave
	}
	txnStatus.Unlock()

	if valid {
		s.tryCommit()
	}
	return nil
}

func (s *scheduler) TryValidationAbort(version Version) bool {
	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	if txnStatus.incarnation != version.Incarnation || txnStatus.status != Executed {
		txnStatus.Unlock()
		return false
	}
	txnStatus.status = Aborted
	txnStatus.Unlock()

	if n := s.numAborts.Add(1); s.abortLimit >= 0 && n > s.abortLimit {
		s.Halt(HaltFallback)
	}
	return true
}

func (s *scheduler) Halt(reason HaltReason) {
	s.halt(reason)
	for i := range s.allTxnDependency {
		s.resumeDependencies(i)
	}
}

func (s *scheduler) halt(reason HaltReason) {
	s.haltReason.CompareAndSwap(int32(HaltNone), int32(reason))
	s.doneMarker.Store(true)
}

func (s *scheduler) HaltReason() HaltReason {
	return HaltReason(s.haltReason.Load())
}

func (s *scheduler) Watermark() int {
	return int(s.commitIndex.Load()) - 1
}

func (s *scheduler) Status(txnIndex int) TxnStatus {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	if txnStatus.status == Executed {
		if txnStatus.inflight > 0 {
			return Validating
		}
		if txnStatus.validatedWave < txnStatus.requiredWave {
			return ReadyToValidate
		}
	}
	return txnStatus.status
}

func (s *scheduler) statusOf(txnIndex int) TxnStatus {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	return txnStatus.status
}

func (s *scheduler) Incarnation(txnIndex int) int {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	return txnStatus.incarnation
}

func (s *scheduler) Aborts() int64 {
	return s.numAborts.Load()
}

func (s *scheduler) Suspensions() int64 {
	return s.numSuspensions.Load()
}

func (s *scheduler) tryCommit() {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for !s.Done() {
		txnIndex := int(s.commitIndex.Load())
		if txnIndex > 0 && s.statusOf(txnIndex-1) != Committed {
			invariant(Version{Index: txnIndex}, "commit before predecessor")
		}
		txnStatus := s.allTxnStatus[txnIndex]
		txnStatus.Lock()
		if txnStatus.status == Committed {
			txnStatus.Unlock()
			invariant(Version{Index: txnIndex}, "txn committed twice")
		}
		if txnStatus.status != Executed || txnStatus.validatedWave < txnStatus.requiredWave {
			txnStatus.Unlock()
			return
		}
		txnStatus.status = Committed
		version := Version{Index: txnIndex, Incarnation: txnStatus.incarnation}
		txnStatus.Unlock()

		s.commitIndex.Store(int32(txnIndex + 1))
		if s.onCommit != nil && !s.onCommit(version, s.mint(txnIndex)) {
			s.Halt(HaltTruncated)
			return
		}
		if txnIndex+1 == s.blockSize {
			s.Halt(HaltCompleted)
			return
		}
	}
}

func (s *scheduler) resumeDependencies(blockingIndex int) {
	txnDependency := s.allTxnDependency[blockingIndex]
	txnDependency.Lock()
	waiters := txnDependency.waiters
	txnDependency.waiters = nil
	txnDependency.Unlock()

	for _, w := range waiters {
		w.wake()
	}
}

func (s *scheduler) nextVersionToValidate() *Task {
	if s.validationIndex.Load() >= int32(s.blockSize) {
		return nil
	}

	validationIndex := s.validationIndex.Add(1) - 1
	if validationIndex < int32(s.blockSize) {
		txnStatus := s.allTxnStatus[validationIndex]
		txnStatus.Lock()
		defer txnStatus.Unlock()
		if txnStatus.status == Executed {
			txnStatus.inflight++
			return &Task{
				Kind:    TaskKindV,
				Version: Version{Index: int(validationIndex), Incarnation: txnStatus.incarnation},
				Wave:    txnStatus.requiredWave,
			}
		}
	}
	return nil
}

func (s *scheduler) nextVersionToExecute() *Task {
	if s.executionIndex.Load() >= int32(s.blockSize) {
		return nil
	}

	executionIndex := int(s.executionIndex.Add(1) - 1)
	return s.tryIncarnation(executionIndex)
}

func (s *scheduler) tryIncarnation(txnIndex int) *Task {
	if txnIndex < s.blockSize {
		txnStatus := s.allTxnStatus[txnIndex]
		txnStatus.Lock()
		defer txnStatus.Unlock()
		if txnStatus.status == ReadyToExecute {
			txnStatus.status = Executing
			return &Task{
				Kind:    TaskKindE,
				Version: Version{Index: txnIndex, Incarnation: txnStatus.incarnation},
				Token:   s.mint(txnIndex),
			}
		}
	}
	return nil
}

func (s *scheduler) mint(txnIndex int) Token {
	return Token{index: txnIndex, owner: s.tokenSeq.Add(1)}
}

func (s *scheduler) decreaseValidationIndex(txnIndexInt int) {
	txnIndex := int32(txnIndexInt)
	for {
		validationIndex := s.validationIndex.Load()
		if validationIndex <= txnIndex || s.validationIndex.CompareAndSwap(validationIndex, txnIndex) {
			return
		}
	}
}
