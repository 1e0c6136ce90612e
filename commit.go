package blockstm

import (
	"go.uber.org/zap"
)

// txnScratch is the last execution result of a transaction, owned through
// Slots by whoever holds the transaction's token.
type txnScratch[L comparable] struct {
	incarnation int
	out         VMOutput[L]
	err         error
}

// committer turns committed incarnations into the ordered block output. It
// only runs under the scheduler's commit lock.
type committer[L comparable] struct {
	mvmemory      MVMemory[L]
	scratch       *Slots[txnScratch[L]]
	outputs       []TxnOutput[L]
	gasUsed       uint64
	gasLimit      uint64
	pruneInterval int
	pendingPrune  []L
	sincePrune    int
	logger        *zap.Logger
}

func (c *committer[L]) commit(version Version, tok Token) bool {
	var scratch txnScratch[L]
	c.scratch.With(tok, func(s *txnScratch[L]) {
		scratch = *s
	})
	if scratch.incarnation != version.Incarnation {
		invariant(version, "committing output of incarnation %d", scratch.incarnation)
	}

	out := TxnOutput[L]{Incarnation: version.Incarnation}
	if scratch.err != nil {
		out.Status = StatusFailure
		out.Err = scratch.err
	} else {
		writes, err := c.materialize(version.Index, scratch.out.Writes)
		if err != nil {
			panic(err)
		}
		out.Writes = writes
		out.Events = scratch.out.Events
		out.GasUsed = scratch.out.GasUsed
		out.Status = StatusSuccess
	}
	c.outputs[version.Index] = out
	c.gasUsed += out.GasUsed

	c.prune(version.Index, out.Writes)

	if c.gasLimit > 0 && c.gasUsed >= c.gasLimit && version.Index+1 < len(c.outputs) {
		c.logger.Warn("block gas limit reached",
			zap.Int("txn", version.Index),
			zap.Uint64("gas-used", c.gasUsed),
			zap.Uint64("gas-limit", c.gasLimit))
		return false
	}
	return true
}

// materialize resolves deltas against the committed prefix, which is final.
func (c *committer[L]) materialize(txnIndex int, ws WriteSet[L]) (WriteSet[L], error) {
	out := make(WriteSet[L], 0, len(ws))
	for _, w := range ws {
		if w.Op == WriteOpDelta {
			val, _, err := c.mvmemory.ReadValue(w.Location, txnIndex+1)
			if err != nil {
				return nil, err
			}
			w = Put(w.Location, val)
		}
		out = append(out, w)
	}
	return out, nil
}

func (c *committer[L]) prune(watermark int, ws WriteSet[L]) {
	if c.pruneInterval <= 0 {
		return
	}
	for _, w := range ws {
		c.pendingPrune = append(c.pendingPrune, w.Location)
	}
	c.sincePrune++
	if c.sincePrune < c.pruneInterval {
		return
	}
	for _, location := range c.pendingPrune {
		c.mvmemory.Prune(location, watermark)
	}
	c.pendingPrune = c.pendingPrune[:0]
	c.sincePrune = 0
}
