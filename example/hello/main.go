package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhiqiangxu/blockstm"
	"github.com/zhiqiangxu/blockstm/memstore"
)

// txn greets a name: it bumps the global greeting counter and records the
// counter value the greeting saw.
type txn struct {
	name string
}

type vm struct {
}

func NewVM() *vm {
	return &vm{}
}

var _ blockstm.VM[string, txn] = (*vm)(nil)

func (vm *vm) Execute(view blockstm.View[string], t txn) (out blockstm.VMOutput[string], err error) {
	seen, err := view.Get("greetings")
	if err != nil {
		return
	}
	n := blockstm.DecodeCounter(seen)
	out.Writes = blockstm.WriteSet[string]{
		blockstm.Put("greetings", blockstm.EncodeCounter(n+1)),
		blockstm.Put("hello/"+t.name, []byte(fmt.Sprintf("hello %s, you are visitor %d", t.name, n+1))),
	}
	out.GasUsed = 1
	return
}

func main() {
	names := []string{"alice", "bob", "carol", "dave", "erin"}
	txns := make([]txn, 100)
	for i := range txns {
		txns[i] = txn{name: fmt.Sprintf("%s-%d", names[i%len(names)], i)}
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	e, err := blockstm.NewExecutor[string, txn](NewVM(), blockstm.DefaultConfig(), blockstm.WithLogger(logger))
	if err != nil {
		panic(err)
	}

	store := memstore.New[string]()
	start := time.Now()
	out, err := e.Execute(context.Background(), blockstm.NewSliceProvider[string](txns), store)
	if err != nil {
		panic(err)
	}
	fmt.Println("execution took", time.Since(start))

	store.Apply(out.Outputs)
	greetings, _ := store.Get("greetings")
	last, _ := store.Get("hello/" + txns[len(txns)-1].name)
	fmt.Printf("%d greetings, %d aborts\n%s\n", blockstm.DecodeCounter(greetings), out.Stats.Aborts, last)
}
