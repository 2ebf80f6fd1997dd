// Package wire provides Bitcoin P2P message framing and typed
// (de)serialisation for the light-client protocol subset this node
// speaks: version/verack, ping/pong, headers, compact filters, getdata,
// inv, block and tx.
//
// Framing, var-ints, and the individual message encodings are delegated
// to github.com/btcsuite/btcd/wire, which already implements the exact
// byte layout this package's callers rely on (magic/command/length/
// checksum, and the SegWit marker/flag transaction form). This package's
// job is to pin the protocol version and message subset the node uses,
// and to translate btcd's framing errors into the small typed error set
// the rest of the node switches on.
package wire

import (
	"errors"
	"io"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// ProtocolVersion is the minimum peer protocol version required for BIP
// 157/158 compact-filter messages.
const ProtocolVersion = 70015

// FilterTypeBasic is the BIP 157 basic filter type (the only one this
// node requests).
const FilterTypeBasic btcwire.FilterType = 0

// Framing errors. btcd's wire package returns *wire.MessageError and
// plain io errors for these conditions; classify maps them.
var (
	ErrBadMagic       = errors.New("wire: bad network magic")
	ErrBadChecksum    = errors.New("wire: bad checksum")
	ErrUnknownCommand = errors.New("wire: unknown command")
	ErrTruncated      = errors.New("wire: truncated message")
	ErrVarIntOverflow = errors.New("wire: varint overflow")
)

// Hash256 is a 32-byte double-SHA-256 identifier (block hash or txid).
type Hash256 = chainhash.Hash

// Message is the set of message types this node encodes/decodes.
type Message = btcwire.Message

// Network constants, restated for documentation and config validation;
// the authoritative values live in the corresponding chaincfg.Params.Net.
const (
	MainNet    btcwire.BitcoinNet = 0xd9b4bef9
	TestNet3   btcwire.BitcoinNet = 0x0709110b
	RegTest    btcwire.BitcoinNet = 0xdab5bffa
	SigNet     btcwire.BitcoinNet = 0x40cf030a
)

// NetworkParams resolves a network name to its chaincfg.Params and magic.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "testnet4":
		return &chaincfg.TestNet4Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.New("wire: unknown network " + network)
	}
}

// GenesisHash returns the genesis block hash for a network.
func GenesisHash(network string) (Hash256, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return Hash256{}, err
	}
	return params.GenesisHash, nil
}

// Encode writes a message using the standard Bitcoin wire framing.
func Encode(w io.Writer, net btcwire.BitcoinNet, msg Message) error {
	err := btcwire.WriteMessage(w, msg, ProtocolVersion, net)
	return classify(err)
}

// Decode reads a single framed message from r.
func Decode(r io.Reader, net btcwire.BitcoinNet) (Message, []byte, error) {
	msg, buf, err := btcwire.ReadMessage(r, ProtocolVersion, net)
	return msg, buf, classify(err)
}

// classify maps the underlying wire package's errors onto this node's
// typed error set so callers can switch on a stable taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	msg := err.Error()
	switch {
	case contains(msg, "malformed checksum"), contains(msg, "checksum"):
		return ErrBadChecksum
	case contains(msg, "unknown bitcoin network"), contains(msg, "other network"), contains(msg, "magic"):
		return ErrBadMagic
	case contains(msg, "unhandled command"), contains(msg, "unknown command"):
		return ErrUnknownCommand
	case contains(msg, "varint"):
		return ErrVarIntOverflow
	default:
		return err
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
