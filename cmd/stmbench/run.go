package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhiqiangxu/blockstm"
	"github.com/zhiqiangxu/blockstm/memstore"
	"github.com/zhiqiangxu/blockstm/workload"
)

type runOptions struct {
	*rootOptions
	workload workload.Config
	workers  int
	priority string
	gasLimit uint64
	hints    bool
	rounds   int
	metrics  bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root, workload: workload.DefaultConfig()}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute generated blocks in parallel and sequentially and compare the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.workload.Txns, "txns", opts.workload.Txns, "transactions per block")
	f.IntVar(&opts.workload.Accounts, "accounts", opts.workload.Accounts, "number of accounts")
	f.IntVar(&opts.workload.HotAccounts, "hot", opts.workload.HotAccounts, "accounts in the contended set")
	f.Float64Var(&opts.workload.HotRatio, "hot-ratio", opts.workload.HotRatio, "probability of drawing a contended account")
	f.Float64Var(&opts.workload.IncrementRatio, "increment-ratio", opts.workload.IncrementRatio, "share of counter increments")
	f.Uint64Var(&opts.workload.Seed, "seed", opts.workload.Seed, "workload seed")
	f.IntVarP(&opts.workers, "workers", "w", 0, "override the configured concurrency")
	f.StringVar(&opts.priority, "priority", "", "override the configured priority (lowest-index|execution-first)")
	f.Uint64Var(&opts.gasLimit, "gas-limit", 0, "override the configured block gas limit")
	f.BoolVar(&opts.hints, "hints", false, "pass exact access hints to the executor")
	f.IntVar(&opts.rounds, "rounds", 3, "blocks to execute")
	f.BoolVar(&opts.metrics, "metrics", false, "print collected metrics at the end")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if o.workers > 0 {
		cfg.Concurrency = o.workers
	}
	if o.priority != "" {
		cfg.Priority = blockstm.Priority(o.priority)
	}
	if o.gasLimit > 0 {
		cfg.BlockGasLimit = o.gasLimit
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	e, err := blockstm.NewExecutor[string, workload.Txn](workload.VM{}, cfg,
		blockstm.WithLogger(logger), blockstm.WithMetrics(blockstm.NewMetrics(reg)))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	seqStore := memstore.New[string]()
	workload.Genesis(seqStore, o.workload)
	parStore := seqStore.Clone()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-6s %12s %12s %8s %10s %8s %9s %s\n",
		"round", "sequential", "parallel", "speedup", "executions", "aborts", "fallback", "truncated")

	wcfg := o.workload
	for round := 0; round < o.rounds; round++ {
		txns := workload.Generate(wcfg)
		wcfg.Seed++

		start := time.Now()
		want, err := blockstm.ExecuteSequential[string, workload.Txn](ctx, workload.VM{}, workload.Provider(txns, false), seqStore, cfg)
		if err != nil {
			return err
		}
		seqElapsed := time.Since(start)

		start = time.Now()
		got, err := e.Execute(ctx, workload.Provider(txns, o.hints), parStore)
		if err != nil {
			return err
		}
		parElapsed := time.Since(start)

		if workload.Digest(want.Outputs) != workload.Digest(got.Outputs) {
			return errors.Errorf("round %d: parallel output diverged from sequential output", round)
		}
		seqStore.Apply(want.Outputs)
		parStore.Apply(got.Outputs)

		fmt.Fprintf(out, "%-6d %12s %12s %7.2fx %10d %8d %9v %v\n",
			round, seqElapsed.Round(time.Microsecond), parElapsed.Round(time.Microsecond),
			float64(seqElapsed)/float64(max(parElapsed, 1)),
			got.Stats.Executions, got.Stats.Aborts, got.SequentialFallback, got.Truncated)
	}

	if workload.StateDigest(seqStore) != workload.StateDigest(parStore) {
		return errors.New("final states diverged")
	}
	fmt.Fprintf(out, "state digest %016x\n", workload.StateDigest(parStore))

	if o.metrics {
		return printMetrics(cmd, reg)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Annotatef(blockstm.ErrInvalidConfig, "log-level %q", level)
	}
	c := zap.NewProductionConfig()
	c.Level = lvl
	c.Encoding = "console"
	c.DisableStacktrace = true
	logger, err := c.Build()
	return logger, errors.Trace(err)
}

func printMetrics(cmd *cobra.Command, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Trace(err)
	}
	out := cmd.OutOrStdout()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(out, "%s %v\n", mf.GetName(), m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Fprintf(out, "%s count=%d sum=%v\n", mf.GetName(), h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
	return nil
}
