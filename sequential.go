package blockstm

import (
	"context"

	"github.com/pingcap/errors"
)

// ExecuteSequential runs the block one transaction at a time. It defines the
// result every parallel execution of the same block must reproduce.
func ExecuteSequential[L comparable, T any](ctx context.Context, vm VM[L, T], provider Provider[L, T], base StateView[L], cfg Config) (*BlockOutput[L], error) {
	n := provider.Len()
	out := &BlockOutput[L]{Outputs: make([]TxnOutput[L], n)}
	run := sequentialRun[L, T]{vm: vm, provider: provider, outputs: out.Outputs, gasLimit: cfg.BlockGasLimit}
	executed, err := run.execute(ctx, newSeqView[L](base), 0)
	if err != nil {
		return nil, err
	}
	out.Truncated = run.truncated
	out.Stats.Executions = int64(executed)
	out.Stats.Commits = int64(executed)
	return out, nil
}

type sequentialRun[L comparable, T any] struct {
	vm       VM[L, T]
	provider Provider[L, T]
	outputs  []TxnOutput[L]
	gasUsed  uint64
	gasLimit uint64

	truncated bool
}

// execute runs transactions from index on, returning how many were executed.
// Invariant violations come back as errors, like they do from the workers.
func (r *sequentialRun[L, T]) execute(ctx context.Context, view *seqView[L], from int) (executed int, err error) {
	defer func() {
		if p := recover(); p != nil {
			ie, ok := p.(*InvariantError)
			if !ok {
				panic(p)
			}
			err = errors.Trace(ie)
		}
	}()

	n := r.provider.Len()
	for i := from; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return i - from, errors.Trace(err)
		}

		out, vmErr := runVM(r.vm, View[L](view), r.provider.Txn(i))
		if view.err != nil {
			return i - from, view.err
		}

		if vmErr != nil {
			r.outputs[i] = TxnOutput[L]{Status: StatusFailure, Err: vmErr}
		} else {
			writes, err := view.apply(compactWrites(out.Writes))
			if err != nil {
				return i - from, err
			}
			r.outputs[i] = TxnOutput[L]{
				Writes:  writes,
				Events:  out.Events,
				Status:  StatusSuccess,
				GasUsed: out.GasUsed,
			}
		}

		r.gasUsed += r.outputs[i].GasUsed
		if r.gasLimit > 0 && r.gasUsed >= r.gasLimit && i+1 < n {
			r.truncated = true
			markRetry(r.outputs[i+1:])
			return i + 1 - from, nil
		}
	}
	return n - from, nil
}

func markRetry[L comparable](outputs []TxnOutput[L]) {
	for i := range outputs {
		outputs[i] = TxnOutput[L]{Status: StatusRetry}
	}
}
