package filter

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func randBlockHash(t *testing.T) chainhash.Hash {
	t.Helper()
	var h chainhash.Hash
	if _, err := rand.Read(h[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return h
}

func buildFilter(t *testing.T, blockHash chainhash.Hash, elements [][]byte) []byte {
	t.Helper()
	key := Key(blockHash)
	f, err := gcs.BuildGCSFilter(P, M, key, elements)
	if err != nil {
		t.Fatalf("BuildGCSFilter: %v", err)
	}
	data, err := f.NBytes()
	if err != nil {
		t.Fatalf("NBytes: %v", err)
	}
	return data
}

func TestMatchAnyMember(t *testing.T) {
	blockHash := randBlockHash(t)
	elements := [][]byte{[]byte("script-a"), []byte("script-b"), []byte("script-c")}
	data := buildFilter(t, blockHash, elements)

	ok, err := MatchAnyBytes(data, blockHash, [][]byte{[]byte("script-b")})
	if err != nil {
		t.Fatalf("MatchAnyBytes: %v", err)
	}
	if !ok {
		t.Fatal("expected match for member of the set")
	}
}

func TestMatchAnyNonMemberLikelyFalse(t *testing.T) {
	blockHash := randBlockHash(t)
	elements := [][]byte{[]byte("script-a"), []byte("script-b")}
	data := buildFilter(t, blockHash, elements)

	ok, err := MatchAnyBytes(data, blockHash, [][]byte{[]byte("not-in-set")})
	if err != nil {
		t.Fatalf("MatchAnyBytes: %v", err)
	}
	if ok {
		t.Fatal("expected non-member to not match (this specific random vector happened to collide; rerun)")
	}
}

func TestMatchAnyEmptyFilter(t *testing.T) {
	blockHash := randBlockHash(t)
	data := buildFilter(t, blockHash, nil)

	ok, err := MatchAnyBytes(data, blockHash, [][]byte{[]byte("anything")})
	if err != nil {
		t.Fatalf("MatchAnyBytes: %v", err)
	}
	if ok {
		t.Fatal("n=0 filter must never match_any")
	}
}

func TestMatchAllEmptyFilterVacuouslyTrue(t *testing.T) {
	blockHash := randBlockHash(t)
	data := buildFilter(t, blockHash, nil)

	f, err := Parse(blockHash, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ok, err := f.MatchAll([][]byte{[]byte("anything")})
	if err != nil {
		t.Fatalf("MatchAll: %v", err)
	}
	if !ok {
		t.Fatal("n=0 filter must vacuously match_all")
	}
}

func TestMatchAnyEmptyQuerySetVacuouslyTrue(t *testing.T) {
	blockHash := randBlockHash(t)
	data := buildFilter(t, blockHash, [][]byte{[]byte("x")})

	ok, err := MatchAnyBytes(data, blockHash, nil)
	if err != nil {
		t.Fatalf("MatchAnyBytes: %v", err)
	}
	if !ok {
		t.Fatal("empty query set must vacuously match_any")
	}
}

func TestReferenceDecoderAgreesWithGCS(t *testing.T) {
	blockHash := randBlockHash(t)
	elements := [][]byte{
		[]byte("p2wpkh-script-1"),
		[]byte("p2wpkh-script-2"),
		[]byte("p2wpkh-script-3"),
		[]byte("p2wpkh-script-4"),
	}
	data := buildFilter(t, blockHash, elements)

	for _, member := range elements {
		want, err := MatchAnyBytes(data, blockHash, [][]byte{member})
		if err != nil {
			t.Fatalf("gcs match: %v", err)
		}
		got, err := MatchAnyReference(data, [32]byte(blockHash), [][]byte{member})
		if err != nil {
			t.Fatalf("reference match: %v", err)
		}
		if got != want {
			t.Fatalf("reference decoder disagreed with gcs for %q: got %v want %v", member, got, want)
		}
		if !want {
			t.Fatalf("expected member %q to match", member)
		}
	}
}

func TestCorruptFilterBytes(t *testing.T) {
	blockHash := randBlockHash(t)
	data := buildFilter(t, blockHash, [][]byte{[]byte("a"), []byte("b"), []byte("c")})

	// Drop the last byte of the bitstream, leaving the n-prefix intact,
	// so the decoder runs out of bits mid-element.
	corrupt := bytes.Clone(data)
	if len(corrupt) > 2 {
		corrupt = corrupt[:len(corrupt)-1]
	}

	_, err := MatchAnyBytes(corrupt, blockHash, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err == nil {
		t.Skip("truncation happened not to trigger a parse failure for this vector")
	}
	if err != ErrFilterCorrupt {
		t.Fatalf("expected ErrFilterCorrupt, got %v", err)
	}
}
