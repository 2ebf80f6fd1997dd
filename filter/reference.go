package filter

// reference.go is a from-scratch implementation of the exact BIP 158
// decode-and-match walk described in BIP158: read the var-int prefix,
// map each query through SipHash-2-4 and the (h*n*M)>>64 projection,
// sort, then walk the unary-quotient/P-bit-remainder stream accumulating
// a running sum. Production matching goes through gcs (see filter.go);
// this path exists so the property tests can assert the byte-for-byte decode
// algorithm bit-for-bit, independent of the gcs library's own internal
// implementation of the same algorithm.
//
// There is no third-party SipHash-2-4 implementation anywhere in this
// module's dependency graph (gcs embeds its own, unexported), so this is
// a deliberate, narrowly-scoped standard-library-only routine.

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"sort"
)

var errBitUnderrun = errors.New("filter: bitstream underrun")

type bitReader struct {
	data []byte
	pos  uint // bit position
}

func (r *bitReader) readBit() (uint64, error) {
	byteIdx := r.pos / 8
	if byteIdx >= uint(len(r.data)) {
		return 0, errBitUnderrun
	}
	bitIdx := 7 - (r.pos % 8)
	bit := (r.data[byteIdx] >> bitIdx) & 1
	r.pos++
	return uint64(bit), nil
}

func (r *bitReader) readBits(n uint) (uint64, error) {
	var v uint64
	for i := uint(0); i < n; i++ {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = (v << 1) | b
	}
	return v, nil
}

// readUnary reads a unary-coded quotient: a run of 1-bits terminated by
// a single 0-bit.
func (r *bitReader) readUnary() (uint64, error) {
	var q uint64
	for {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		if b == 0 {
			return q, nil
		}
		q++
	}
}

// readVarInt decodes a Bitcoin-style var-int from the front of data and
// returns the value and the number of bytes consumed.
func readVarInt(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, errBitUnderrun
	}
	switch prefix := data[0]; {
	case prefix < 0xfd:
		return uint64(prefix), 1, nil
	case prefix == 0xfd:
		if len(data) < 3 {
			return 0, 0, errBitUnderrun
		}
		return uint64(binary.LittleEndian.Uint16(data[1:3])), 3, nil
	case prefix == 0xfe:
		if len(data) < 5 {
			return 0, 0, errBitUnderrun
		}
		return uint64(binary.LittleEndian.Uint32(data[1:5])), 5, nil
	default:
		if len(data) < 9 {
			return 0, 0, errBitUnderrun
		}
		return binary.LittleEndian.Uint64(data[1:9]), 9, nil
	}
}

// mapToRange implements (h * n * M) >> 64 using full 128-bit multiplication.
func mapToRange(h uint64, n uint64) uint64 {
	hi, _ := bits.Mul64(h, n*M)
	return hi
}

// matchAnyReference implements BIP158's decode-and-match step-by-step: decode the n
// deltas from the Golomb-Rice stream while walking the sorted, mapped
// query set, returning true on the first equal value encountered.
func matchAnyReference(filterBytes []byte, key [2]uint64, queries [][]byte) (bool, error) {
	n, consumed, err := readVarInt(filterBytes)
	if err != nil {
		return false, ErrFilterCorrupt
	}
	if n == 0 {
		return false, nil
	}
	if len(queries) == 0 {
		return true, nil
	}

	mapped := make([]uint64, len(queries))
	for i, q := range queries {
		h := sipHash24(key[0], key[1], q)
		mapped[i] = mapToRange(h, n)
	}
	sort.Slice(mapped, func(i, j int) bool { return mapped[i] < mapped[j] })

	br := &bitReader{data: filterBytes[consumed:]}
	var sum uint64
	qi := 0
elements:
	for i := uint64(0); i < n && qi < len(mapped); i++ {
		quot, err := br.readUnary()
		if err != nil {
			return false, ErrFilterCorrupt
		}
		rem, err := br.readBits(P)
		if err != nil {
			return false, ErrFilterCorrupt
		}
		sum += (quot << P) | rem

		for qi < len(mapped) {
			switch {
			case mapped[qi] == sum:
				return true, nil
			case mapped[qi] < sum:
				qi++
			default:
				continue elements
			}
		}
	}
	return false, nil
}

// MatchAnyReference runs the BIP158 decode-and-match algorithm
// directly against raw filter bytes and a block hash, bypassing gcs
// entirely. Used by property tests to cross-check gcs-backed matching.
func MatchAnyReference(filterBytes []byte, blockHash [32]byte, queries [][]byte) (bool, error) {
	var keyBytes [16]byte
	copy(keyBytes[:], blockHash[:16])
	key := siphashKeyFromBlockHash(keyBytes)
	return matchAnyReference(filterBytes, key, queries)
}

// siphashKeyFromBlockHash splits a 16-byte SipHash key into its two
// little-endian uint64 halves, per BIP 158.
func siphashKeyFromBlockHash(keyBytes [16]byte) [2]uint64 {
	return [2]uint64{
		binary.LittleEndian.Uint64(keyBytes[0:8]),
		binary.LittleEndian.Uint64(keyBytes[8:16]),
	}
}

// sipHash24 implements SipHash-2-4 over a variable-length message, as
// specified by Aumasson & Bernstein and used by BIP 158.
func sipHash24(k0, k1 uint64, data []byte) uint64 {
	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	round := func() {
		v0 += v1
		v1 = bits.RotateLeft64(v1, 13)
		v1 ^= v0
		v0 = bits.RotateLeft64(v0, 32)
		v2 += v3
		v3 = bits.RotateLeft64(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = bits.RotateLeft64(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = bits.RotateLeft64(v1, 17)
		v1 ^= v2
		v2 = bits.RotateLeft64(v2, 32)
	}

	length := len(data)
	end := length - (length % 8)

	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(data[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	var last [8]byte
	copy(last[:], data[end:])
	last[7] = byte(length)
	m := binary.LittleEndian.Uint64(last[:])

	v3 ^= m
	round()
	round()
	v0 ^= m

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}
