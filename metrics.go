package blockstm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the executor's collectors. They are registered on the
// registerer handed to NewMetrics, never on the global one.
type Metrics struct {
	executions    prometheus.Counter
	validations   prometheus.Counter
	aborts        prometheus.Counter
	suspensions   prometheus.Counter
	fallbacks     prometheus.Counter
	truncations   prometheus.Counter
	blockDuration prometheus.Histogram
	blockSize     prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_executions_total",
			Help: "Transaction execution attempts, including re-executions.",
		}),
		validations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_validations_total",
			Help: "Read set validations.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_aborts_total",
			Help: "Incarnations aborted by a failed validation.",
		}),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_suspensions_total",
			Help: "Executions parked on a dependency.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_sequential_fallbacks_total",
			Help: "Blocks that finished sequentially after thrashing.",
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_truncated_blocks_total",
			Help: "Blocks cut short by the block gas limit.",
		}),
		blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockstm_block_seconds",
			Help:    "Wall time of one block execution, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		blockSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockstm_block_transactions",
			Help:    "Transactions per executed block.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.validations, m.aborts, m.suspensions,
			m.fallbacks, m.truncations, m.blockDuration, m.blockSize)
	}
	return m
}

func (m *Metrics) observeBlock(out *Stats, size int, fallback, truncated bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executions.Add(float64(out.Executions))
	m.validations.Add(float64(out.Validations))
	m.aborts.Add(float64(out.Aborts))
	m.suspensions.Add(float64(out.Suspensions))
	if fallback {
		m.fallbacks.Inc()
	}
	if truncated {
		m.truncations.Inc()
	}
	m.blockDuration.Observe(elapsed.Seconds())
	m.blockSize.Observe(float64(size))
}
