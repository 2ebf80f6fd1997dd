// Package filter implements BIP 158 basic compact-filter matching: given
// a block's filter bytes and its block hash, decide whether any (or
// all) of a set of script queries are committed to by the filter.
//
// Production matching is delegated to github.com/btcsuite/btcd/btcutil/gcs,
// which implements the same Golomb-Rice-coded-set construction BIP 158
// specifies (P=19, M=784931, SipHash keyed by the block hash). This
// package is a thin, spec-shaped façade over it: it derives the SipHash
// key the way BIP 158 mandates (first 16 bytes of the block hash, read
// little-endian as two uint64 halves) and translates gcs's parse errors
// into FilterCorrupt.
package filter

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BIP 158 basic-filter parameters.
const (
	P = 19
	M = 784931
)

// ErrFilterCorrupt is returned when the filter's encoded byte stream
// cannot be parsed (bit-stream underrun, truncated var-int, etc).
var ErrFilterCorrupt = errors.New("filter: corrupt golomb-rice stream")

// Key derives the SipHash key for a block from its hash, per BIP 158:
// the first 16 bytes of the block hash, taken as-is (the hash is already
// the block's double-SHA-256 in internal byte order).
func Key(blockHash chainhash.Hash) [gcs.KeySize]byte {
	var key [gcs.KeySize]byte
	copy(key[:], blockHash[:gcs.KeySize])
	return key
}

// Filter wraps a decoded BIP 158 basic filter for a single block.
type Filter struct {
	gcsFilter *gcs.Filter
	key       [gcs.KeySize]byte
	n         uint32
}

// Parse decodes raw filter bytes (an N-encoded var-int prefix followed
// by the Golomb-Rice bitstream) for the given block hash.
func Parse(blockHash chainhash.Hash, filterBytes []byte) (*Filter, error) {
	key := Key(blockHash)
	f, err := gcs.FromNBytes(P, M, filterBytes)
	if err != nil {
		return nil, ErrFilterCorrupt
	}
	return &Filter{gcsFilter: f, key: key, n: f.N()}, nil
}

// N returns the number of elements committed to by the filter.
func (f *Filter) N() uint32 { return f.n }

// MatchAny reports whether any query script is committed to by the
// filter. An empty filter (n=0) never matches; against a non-empty
// filter, an empty query set vacuously matches (returns true).
func (f *Filter) MatchAny(queries [][]byte) (bool, error) {
	if f.n == 0 {
		return false, nil
	}
	if len(queries) == 0 {
		return true, nil
	}
	ok, err := f.gcsFilter.MatchAny(f.key, queries)
	if err != nil {
		return false, ErrFilterCorrupt
	}
	return ok, nil
}

// MatchAll reports whether every query script is committed to by the
// filter. n=0 vacuously matches all; an empty
// query set also vacuously matches.
func (f *Filter) MatchAll(queries [][]byte) (bool, error) {
	if f.n == 0 || len(queries) == 0 {
		return true, nil
	}
	for _, q := range queries {
		ok, err := f.gcsFilter.Match(f.key, q)
		if err != nil {
			return false, ErrFilterCorrupt
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MatchAnyBytes is a convenience entry point matching the BIP158
// match_any(filter_bytes, block_hash, queries) signature directly,
// without requiring the caller to hold onto a parsed *Filter.
func MatchAnyBytes(filterBytes []byte, blockHash chainhash.Hash, queries [][]byte) (bool, error) {
	f, err := Parse(blockHash, filterBytes)
	if err != nil {
		return false, err
	}
	return f.MatchAny(queries)
}
