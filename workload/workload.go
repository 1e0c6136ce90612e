// Package workload generates synthetic blocks of account transfers and
// counter increments, with a VM that executes them. It drives the benchmark
// command and the determinism tests.
package workload

import (
	"fmt"
	"math/rand/v2"

	"github.com/pingcap/errors"

	"github.com/zhiqiangxu/blockstm"
	"github.com/zhiqiangxu/blockstm/memstore"
)

type Kind int

const (
	KindTransfer Kind = iota
	// blind counter increment, written as a delta
	KindIncrement
	// reads both accounts, writes nothing
	KindAudit
	// closes an account by deleting it
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindIncrement:
		return "increment"
	case KindAudit:
		return "audit"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

type Txn struct {
	Kind   Kind
	From   string
	To     string
	Amount uint64
}

var ErrInsufficientBalance = errors.New("insufficient balance")

const (
	gasRead  = 1
	gasWrite = 3
)

func AccountKey(i int) string { return fmt.Sprintf("acct/%05d", i) }

func CounterKey(i int) string { return fmt.Sprintf("ctr/%03d", i) }

// VM executes workload transactions. Balances are counters.
type VM struct{}

var _ blockstm.VM[string, Txn] = VM{}

func (VM) Execute(view blockstm.View[string], txn Txn) (blockstm.VMOutput[string], error) {
	var out blockstm.VMOutput[string]
	switch txn.Kind {
	case KindIncrement:
		out.Writes = blockstm.WriteSet[string]{blockstm.AddDelta(txn.To, txn.Amount)}
		out.GasUsed = gasWrite
		return out, nil
	case KindAudit:
		from, err := view.Get(txn.From)
		if err != nil {
			return out, err
		}
		to, err := view.Get(txn.To)
		if err != nil {
			return out, err
		}
		total := blockstm.DecodeCounter(from) + blockstm.DecodeCounter(to)
		out.Events = []blockstm.Event{{Type: "audit", Data: blockstm.EncodeCounter(total)}}
		out.GasUsed = 2 * gasRead
		return out, nil
	case KindClose:
		bal, err := view.Get(txn.From)
		if err != nil {
			return out, err
		}
		out.Writes = blockstm.WriteSet[string]{
			blockstm.Delete(txn.From),
			blockstm.AddDelta(txn.To, blockstm.DecodeCounter(bal)),
		}
		out.GasUsed = gasRead + 2*gasWrite
		return out, nil
	case KindTransfer:
	default:
		return out, errors.Errorf("unknown transaction kind %d", txn.Kind)
	}

	raw, err := view.Get(txn.From)
	if err != nil {
		return out, err
	}
	if raw == nil {
		return out, errors.Annotatef(ErrInsufficientBalance, "account %s does not exist", txn.From)
	}
	bal := blockstm.DecodeCounter(raw)
	if bal < txn.Amount {
		return out, errors.Annotatef(ErrInsufficientBalance, "account %s has %d, needs %d", txn.From, bal, txn.Amount)
	}
	out.Events = []blockstm.Event{{Type: "transfer", Data: []byte(txn.From + "->" + txn.To)}}
	if txn.From == txn.To {
		out.Writes = blockstm.WriteSet[string]{blockstm.Put(txn.From, raw)}
		out.GasUsed = gasRead + gasWrite
		return out, nil
	}
	raw, err = view.Get(txn.To)
	if err != nil {
		return out, err
	}
	to := blockstm.DecodeCounter(raw)

	out.Writes = blockstm.WriteSet[string]{
		blockstm.Put(txn.From, blockstm.EncodeCounter(bal-txn.Amount)),
		blockstm.Put(txn.To, blockstm.EncodeCounter(to+txn.Amount)),
	}
	out.GasUsed = 2*gasRead + 2*gasWrite
	return out, nil
}

// Hints are the exact access sets of txn.
func Hints(txn Txn) blockstm.Hints[string] {
	switch txn.Kind {
	case KindIncrement:
		return blockstm.Hints[string]{Deltas: []string{txn.To}}
	case KindAudit:
		return blockstm.Hints[string]{Reads: []string{txn.From, txn.To}}
	case KindClose:
		return blockstm.Hints[string]{Reads: []string{txn.From}, Writes: []string{txn.From}, Deltas: []string{txn.To}}
	default:
		return blockstm.Hints[string]{Reads: []string{txn.From, txn.To}, Writes: []string{txn.From, txn.To}}
	}
}

type Config struct {
	Txns     int
	Accounts int
	// accounts in the contended set, 0 disables contention
	HotAccounts int
	// probability that an account is drawn from the hot set
	HotRatio float64
	Counters int
	// probability that a transaction is a counter increment
	IncrementRatio float64
	AuditRatio     float64
	CloseRatio     float64
	InitialBalance uint64
	MaxAmount      uint64
	Seed           uint64
}

func DefaultConfig() Config {
	return Config{
		Txns:           1000,
		Accounts:       1000,
		HotAccounts:    10,
		HotRatio:       0.1,
		Counters:       4,
		IncrementRatio: 0.1,
		AuditRatio:     0.05,
		CloseRatio:     0.01,
		InitialBalance: 1_000_000,
		MaxAmount:      1000,
		Seed:           1,
	}
}

// Genesis writes the initial balances.
func Genesis(store *memstore.Store[string], cfg Config) {
	for i := 0; i < cfg.Accounts; i++ {
		store.Put(AccountKey(i), blockstm.EncodeCounter(cfg.InitialBalance))
	}
}

// Generate returns a reproducible block for cfg.Seed.
func Generate(cfg Config) []Txn {
	r := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	account := func() string {
		if cfg.HotAccounts > 0 && r.Float64() < cfg.HotRatio {
			return AccountKey(r.IntN(cfg.HotAccounts))
		}
		return AccountKey(r.IntN(max(cfg.Accounts, 1)))
	}

	txns := make([]Txn, cfg.Txns)
	for i := range txns {
		p := r.Float64()
		switch {
		case cfg.Counters > 0 && p < cfg.IncrementRatio:
			txns[i] = Txn{Kind: KindIncrement, To: CounterKey(r.IntN(cfg.Counters)), Amount: 1 + r.Uint64N(max(cfg.MaxAmount, 1))}
		case p < cfg.IncrementRatio+cfg.AuditRatio:
			txns[i] = Txn{Kind: KindAudit, From: account(), To: account()}
		case p < cfg.IncrementRatio+cfg.AuditRatio+cfg.CloseRatio:
			txns[i] = Txn{Kind: KindClose, From: account(), To: account()}
		default:
			txns[i] = Txn{Kind: KindTransfer, From: account(), To: account(), Amount: 1 + r.Uint64N(max(cfg.MaxAmount, 1))}
		}
	}
	return txns
}

// Provider wraps txns, with exact hints when withHints is set.
func Provider(txns []Txn, withHints bool) *blockstm.SliceProvider[string, Txn] {
	p := blockstm.NewSliceProvider[string](txns)
	if withHints {
		hints := make([]blockstm.Hints[string], len(txns))
		for i, txn := range txns {
			hints[i] = Hints(txn)
		}
		p.WithHints(hints)
	}
	return p
}
