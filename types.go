package blockstm

type Version struct {
	// transaction index in block
	Index       int
	Incarnation int
}

type ReadKind int

const (
	// read a value written by a lower transaction
	ReadKindVersion ReadKind = iota
	// fell through to the base state view
	ReadKindStorage
	// folded from one or more deltas, validated by value
	ReadKindResolved
)

type ReadSet[L comparable] []ReadDescriptor[L]

type ReadDescriptor[L comparable] struct {
	Location L
	Kind     ReadKind
	V        *Version
	Value    []byte
}

type WriteOp int

const (
	WriteOpPut WriteOp = iota
	WriteOpDelete
	WriteOpDelta
)

func (op WriteOp) String() string {
	switch op {
	case WriteOpPut:
		return "put"
	case WriteOpDelete:
		return "delete"
	case WriteOpDelta:
		return "delta"
	default:
		return "unknown"
	}
}

type WriteDescriptor[L comparable] struct {
	Location L
	Op       WriteOp
	Val      []byte
	// wrapping addition applied to an 8-byte little-endian counter, Op == WriteOpDelta only
	Delta uint64
}

type WriteSet[L comparable] []WriteDescriptor[L]

// Put is a shorthand for a WriteOpPut descriptor.
func Put[L comparable](location L, val []byte) WriteDescriptor[L] {
	return WriteDescriptor[L]{Location: location, Op: WriteOpPut, Val: val}
}

// Delete is a shorthand for a WriteOpDelete descriptor.
func Delete[L comparable](location L) WriteDescriptor[L] {
	return WriteDescriptor[L]{Location: location, Op: WriteOpDelete}
}

// AddDelta is a shorthand for a WriteOpDelta descriptor.
func AddDelta[L comparable](location L, delta uint64) WriteDescriptor[L] {
	return WriteDescriptor[L]{Location: location, Op: WriteOpDelta, Delta: delta}
}

// StateView is the read-only base state a block executes on top of.
// A nil value means the location does not exist.
type StateView[L comparable] interface {
	Get(location L) ([]byte, error)
}

// View is what a VM sees while executing one transaction.
type View[L comparable] interface {
	Get(location L) ([]byte, error)
}

type ReadResult struct {
	Status  ReadStatus
	Version Version
	Value   []byte
	// pending delta to apply on top of the base state value, ReadStatusUnresolved only
	Delta uint64
	// blocking transaction index
	BlockingIndex int
}

type ReadStatus int

const (
	ReadStatusOK ReadStatus = iota
	ReadStatusNotFound
	ReadStatusEstimate
	ReadStatusResolved
	ReadStatusUnresolved
)

type Event struct {
	Type string
	Data []byte
}

type VMOutput[L comparable] struct {
	Writes  WriteSet[L]
	Events  []Event
	GasUsed uint64
}

// VM executes a single transaction against a view. A returned error is
// local to the transaction and shows up as a StatusFailure output.
type VM[L comparable, T any] interface {
	Execute(view View[L], txn T) (VMOutput[L], error)
}

// VMFunc adapts a function to the VM interface.
type VMFunc[L comparable, T any] func(view View[L], txn T) (VMOutput[L], error)

func (f VMFunc[L, T]) Execute(view View[L], txn T) (VMOutput[L], error) {
	return f(view, txn)
}

type OutputStatus int

const (
	StatusSuccess OutputStatus = iota
	StatusFailure
	StatusRetry
)

func (s OutputStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusRetry:
		return "retry"
	default:
		return "unknown"
	}
}

type TxnOutput[L comparable] struct {
	// deltas are materialized into puts
	Writes      WriteSet[L]
	Events      []Event
	Status      OutputStatus
	Err         error
	GasUsed     uint64
	Incarnation int
}

type Stats struct {
	Executions  int64
	Validations int64
	Aborts      int64
	Suspensions int64
	Commits     int64
}

type BlockOutput[L comparable] struct {
	Outputs            []TxnOutput[L]
	SequentialFallback bool
	// set when the block gas limit cut the block short
	Truncated bool
	Stats     Stats
}

type TxnStatus int

const (
	ReadyToExecute TxnStatus = iota
	Executing
	Executed
	ReadyToValidate
	Validating
	Aborted
	Committed
)

func (s TxnStatus) String() string {
	switch s {
	case ReadyToExecute:
		return "ready-to-execute"
	case Executing:
		return "executing"
	case Executed:
		return "executed"
	case ReadyToValidate:
		return "ready-to-validate"
	case Validating:
		return "validating"
	case Aborted:
		return "aborted"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

type TaskKind int

const (
	TaskKindE TaskKind = iota
	TaskKindV
	// nothing runnable right now, Version.Index is the lowest uncommitted index
	TaskKindWait
	TaskKindDone
)

type Task struct {
	Kind    TaskKind
	Version Version
	// validation wave observed when the task was handed out
	Wave uint64
	// ownership of the scratch slot, execution tasks only
	Token Token
}
