package blockstm_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhiqiangxu/blockstm"
	"github.com/zhiqiangxu/blockstm/memstore"
	"github.com/zhiqiangxu/blockstm/workload"
)

func runBoth(t *testing.T, wcfg workload.Config, cfg blockstm.Config, withHints bool) {
	t.Helper()
	txns := workload.Generate(wcfg)

	seqStore := memstore.New[string]()
	workload.Genesis(seqStore, wcfg)
	parStore := seqStore.Clone()

	want, err := blockstm.ExecuteSequential[string, workload.Txn](context.Background(), workload.VM{}, workload.Provider(txns, false), seqStore, cfg)
	require.NoError(t, err)

	e, err := blockstm.NewExecutor[string, workload.Txn](workload.VM{}, cfg, blockstm.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	got, err := e.Execute(context.Background(), workload.Provider(txns, withHints), parStore)
	require.NoError(t, err)

	require.Equal(t, workload.Digest(want.Outputs), workload.Digest(got.Outputs))
	require.Equal(t, want.Truncated, got.Truncated)

	seqStore.Apply(want.Outputs)
	parStore.Apply(got.Outputs)
	require.Equal(t, workload.StateDigest(seqStore), workload.StateDigest(parStore))
}

func TestParallelMatchesSequential(t *testing.T) {
	for _, contention := range []struct {
		name     string
		hot      int
		hotRatio float64
	}{
		{"uniform", 0, 0},
		{"hot", 8, 0.3},
		{"hotspot", 1, 0.9},
	} {
		for _, workers := range []int{1, 4, 16} {
			for _, hints := range []bool{false, true} {
				name := fmt.Sprintf("%s/workers=%d/hints=%v", contention.name, workers, hints)
				t.Run(name, func(t *testing.T) {
					wcfg := workload.DefaultConfig()
					wcfg.Txns = 300
					wcfg.Accounts = 200
					wcfg.HotAccounts = contention.hot
					wcfg.HotRatio = contention.hotRatio
					wcfg.Seed = uint64(workers)

					cfg := blockstm.DefaultConfig()
					cfg.Concurrency = workers
					cfg.PruneInterval = 16
					runBoth(t, wcfg, cfg, hints)
				})
			}
		}
	}
}

func TestParallelMatchesSequential_ExecutionFirst(t *testing.T) {
	wcfg := workload.DefaultConfig()
	wcfg.Txns = 300
	wcfg.HotAccounts = 4
	wcfg.HotRatio = 0.5

	cfg := blockstm.DefaultConfig()
	cfg.Concurrency = 8
	cfg.Priority = blockstm.PriorityExecutionFirst
	runBoth(t, wcfg, cfg, false)
}

func TestParallelMatchesSequential_Fallback(t *testing.T) {
	wcfg := workload.DefaultConfig()
	wcfg.Txns = 200
	wcfg.HotAccounts = 1
	wcfg.HotRatio = 1

	cfg := blockstm.DefaultConfig()
	cfg.Concurrency = 8
	// any abort at all switches to sequential
	cfg.FallbackAbortRatio = 0.001
	runBoth(t, wcfg, cfg, false)
}

func TestParallelMatchesSequential_GasLimit(t *testing.T) {
	wcfg := workload.DefaultConfig()
	wcfg.Txns = 300
	wcfg.HotAccounts = 4
	wcfg.HotRatio = 0.5

	cfg := blockstm.DefaultConfig()
	cfg.Concurrency = 8
	cfg.BlockGasLimit = 1000
	runBoth(t, wcfg, cfg, true)
}

func TestParallelMatchesSequential_HintedHotspotSeeds(t *testing.T) {
	rounds := 200
	if testing.Short() {
		rounds = 20
	}
	for seed := 1; seed <= rounds; seed++ {
		wcfg := workload.DefaultConfig()
		wcfg.Txns = 300
		wcfg.HotAccounts = 1
		wcfg.HotRatio = 0.9
		wcfg.Seed = uint64(seed)

		cfg := blockstm.DefaultConfig()
		cfg.Concurrency = 16
		cfg.LogLevel = "error"
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			runBoth(t, wcfg, cfg, true)
		})
	}
}
