package workload

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/zhiqiangxu/blockstm"
	"github.com/zhiqiangxu/blockstm/memstore"
)

// Digest fingerprints the observable result of a block: per transaction its
// status, writes, events and gas. Execution statistics and incarnations are
// left out, they legitimately differ between runs.
func Digest(outputs []blockstm.TxnOutput[string]) uint64 {
	d := xxhash.New()
	var buf [8]byte
	putUint := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		d.Write(buf[:])
	}
	putBytes := func(b []byte) {
		putUint(uint64(len(b)))
		d.Write(b)
	}

	for _, out := range outputs {
		putUint(uint64(out.Status))
		putUint(out.GasUsed)
		putUint(uint64(len(out.Writes)))
		for _, w := range out.Writes {
			putBytes([]byte(w.Location))
			putUint(uint64(w.Op))
			putBytes(w.Val)
			putUint(w.Delta)
		}
		putUint(uint64(len(out.Events)))
		for _, ev := range out.Events {
			putBytes([]byte(ev.Type))
			putBytes(ev.Data)
		}
	}
	return d.Sum64()
}

// StateDigest fingerprints the content of a store.
func StateDigest(store *memstore.Store[string]) uint64 {
	d := xxhash.New()
	var buf [8]byte
	store.Ascend(func(location string, val []byte) bool {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(location)))
		d.Write(buf[:])
		d.WriteString(location)
		binary.LittleEndian.PutUint64(buf[:], uint64(len(val)))
		d.Write(buf[:])
		d.Write(val)
		return true
	})
	return d.Sum64()
}
