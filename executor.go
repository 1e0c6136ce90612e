// Package blockstm executes the transactions of a block in parallel while
// producing exactly the result of executing them one by one in block order.
package blockstm

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *Metrics
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type Executor[L comparable, T any] struct {
	vm      VM[L, T]
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	// forces validation of a version to fail, tests only
	failValidation func(Version) bool
}

func NewExecutor[L comparable, T any](vm VM[L, T], cfg Config, opts ...Option) (*Executor[L, T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Executor[L, T]{vm: vm, cfg: cfg, logger: o.logger, metrics: o.metrics}, nil
}

// Execute runs one block. All shared state lives for the duration of the
// call. The result is either the complete ordered output or an error.
func (e *Executor[L, T]) Execute(ctx context.Context, provider Provider[L, T], base StateView[L]) (*BlockOutput[L], error) {
	start := time.Now()
	n := provider.Len()
	logger := e.logger.With(zap.String("block", ulid.Make().String()), zap.Int("txns", n))

	out := &BlockOutput[L]{Outputs: make([]TxnOutput[L], n)}
	if n == 0 {
		return out, nil
	}

	b := newBlock(e, provider, base, out.Outputs, logger)
	for i := 0; i < n; i++ {
		if hints, ok := provider.Hints(i); ok {
			b.mvmemory.Prime(i, hints)
		}
	}

	if err := b.runParallel(ctx, e.cfg.workers()); err != nil {
		logger.Error("block execution failed", zap.Error(err))
		return nil, err
	}

	reason := b.scheduler.HaltReason()
	watermark := b.scheduler.Watermark()
	var seqExecuted int
	switch reason {
	case HaltCompleted:
	case HaltTruncated:
		out.Truncated = true
		markRetry(out.Outputs[watermark+1:])
	case HaltFallback:
		logger.Warn("abort threshold reached, executing remaining transactions sequentially",
			zap.Int("watermark", watermark),
			zap.Int64("aborts", b.scheduler.Aborts()))
		out.SequentialFallback = true
		run := sequentialRun[L, T]{
			vm:       e.vm,
			provider: provider,
			outputs:  out.Outputs,
			gasUsed:  b.committer.gasUsed,
			gasLimit: e.cfg.BlockGasLimit,
		}
		parent := mvReader[L]{mvmemory: b.mvmemory, index: watermark + 1}
		executed, err := run.execute(ctx, newSeqView[L](parent), watermark+1)
		if err != nil {
			logger.Error("sequential fallback failed", zap.Error(err))
			return nil, err
		}
		seqExecuted = executed
		out.Truncated = run.truncated
	case HaltCancelled:
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		return nil, errors.New("block execution cancelled")
	default:
		return nil, errors.Errorf("block execution halted: %v", reason)
	}

	out.Stats = Stats{
		Executions:  b.executions.Load() + int64(seqExecuted),
		Validations: b.validations.Load(),
		Aborts:      b.scheduler.Aborts(),
		Suspensions: b.scheduler.Suspensions(),
		Commits:     int64(watermark+1) + int64(seqExecuted),
	}
	elapsed := time.Since(start)
	e.metrics.observeBlock(&out.Stats, n, out.SequentialFallback, out.Truncated, elapsed)
	logger.Info("block executed",
		zap.Duration("elapsed", elapsed),
		zap.Int64("executions", out.Stats.Executions),
		zap.Int64("aborts", out.Stats.Aborts),
		zap.Bool("fallback", out.SequentialFallback),
		zap.Bool("truncated", out.Truncated))
	return out, nil
}

// block is the per-call state shared by the workers.
type block[L comparable, T any] struct {
	e         *Executor[L, T]
	provider  Provider[L, T]
	scheduler Scheduler
	mvmemory  MVMemory[L]
	scratch   *Slots[txnScratch[L]]
	committer *committer[L]
	logger    *zap.Logger

	executions  atomic.Int64
	validations atomic.Int64
}

func newBlock[L comparable, T any](e *Executor[L, T], provider Provider[L, T], base StateView[L], outputs []TxnOutput[L], logger *zap.Logger) *block[L, T] {
	n := provider.Len()
	b := &block[L, T]{
		e:        e,
		provider: provider,
		mvmemory: NewMVMemory[L](n, base),
		scratch:  NewSlots[txnScratch[L]](n),
		logger:   logger,
	}
	b.committer = &committer[L]{
		mvmemory:      b.mvmemory,
		scratch:       b.scratch,
		outputs:       outputs,
		gasLimit:      e.cfg.BlockGasLimit,
		pruneInterval: e.cfg.PruneInterval,
		logger:        logger,
	}
	b.scheduler = NewScheduler(n,
		WithPriority(e.cfg.priority()),
		WithAbortLimit(e.cfg.abortLimit(n)),
		WithCommitFunc(b.committer.commit))
	return b
}

func (b *block[L, T]) runParallel(ctx context.Context, workers int) error {
	stop := context.AfterFunc(ctx, func() {
		b.scheduler.Halt(HaltCancelled)
	})
	defer stop()

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(b.run)
	}
	return g.Wait()
}

func (b *block[L, T]) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *InvariantError:
				err = errors.Trace(v)
			case error:
				err = errors.Trace(v)
			default:
				err = errors.Errorf("worker panic: %v", v)
			}
			b.scheduler.Halt(HaltFatal)
		}
	}()

	var task *Task
	for {
		if task != nil {
			switch task.Kind {
			case TaskKindE:
				task, err = b.tryExecute(task)
			case TaskKindV:
				task, err = b.tryValidate(task)
			case TaskKindWait:
				runtime.Gosched()
				task = nil
			case TaskKindDone:
				return nil
			default:
				panic(fmt.Sprintf("invalid task kind %d", task.Kind))
			}
			if err != nil {
				b.scheduler.Halt(HaltFatal)
				return err
			}
		}
		if task == nil {
			task = b.scheduler.NextTask()
		}
	}
}

func (b *block[L, T]) tryExecute(task *Task) (*Task, error) {
	version := task.Version
	if b.scheduler.Done() {
		return nil, nil
	}
	view := newMVView(version.Index, b.mvmemory, b.scheduler)
	out, vmErr := runVM(b.e.vm, View[L](view), b.provider.Txn(version.Index))
	b.executions.Add(1)

	if view.err != nil {
		if view.err == ErrHalted {
			// the scheduler is done, drop the attempt
			return nil, nil
		}
		return nil, view.err
	}

	var ws WriteSet[L]
	if vmErr == nil {
		ws = compactWrites(out.Writes)
		out.Writes = ws
	} else {
		out = VMOutput[L]{}
	}
	b.scratch.With(task.Token, func(s *txnScratch[L]) {
		s.incarnation = version.Incarnation
		s.out = out
		s.err = vmErr
	})

	affected := b.mvmemory.Record(version, view.readSet, ws)
	return b.scheduler.FinishExecution(version, affected), nil
}

func (b *block[L, T]) tryValidate(task *Task) (*Task, error) {
	version := task.Version
	b.validations.Add(1)

	// committed reads only come from committed writes
	if b.scheduler.Status(version.Index) == Committed {
		return b.scheduler.FinishValidation(task, true, false), nil
	}

	valid, err := b.mvmemory.ValidateReadSet(version.Index)
	if err != nil {
		return nil, err
	}
	if valid && b.e.failValidation != nil && b.e.failValidation(version) {
		valid = false
	}

	aborted := !valid && b.scheduler.TryValidationAbort(version)
	if aborted {
		locations := b.mvmemory.ConvertWritesToEstimates(version.Index)
		b.logger.Debug("aborted",
			zap.Int("txn", version.Index),
			zap.Int("incarnation", version.Incarnation),
			zap.Int("estimates", len(locations)))
	}
	return b.scheduler.FinishValidation(task, valid, aborted), nil
}
