package blockstm

import "encoding/binary"

// DecodeCounter reads an aggregator value. Absent values are zero; other
// lengths are zero-padded or truncated to 8 bytes so decoding never fails.
func DecodeCounter(val []byte) uint64 {
	var buf [8]byte
	copy(buf[:], val)
	return binary.LittleEndian.Uint64(buf[:])
}

func EncodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func applyDelta(val []byte, delta uint64) []byte {
	return EncodeCounter(DecodeCounter(val) + delta)
}
