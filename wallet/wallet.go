package wallet

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/djschnei21/btclightnode/chain"
	nodewire "github.com/djschnei21/btclightnode/wire"
)

// stateVersion prefixes every persisted wallet blob so the format can
// evolve without breaking old state.
const stateVersion byte = 1

var (
	ErrNoPubKey          = errors.New("wallet: script not registered to any known pubkey")
	ErrBalanceOverflow   = errors.New("wallet: balance overflow")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrBadState          = errors.New("wallet: corrupt or unsupported state blob")
)

// PubkeyDetails records which branch and derivation index produced a
// script the wallet has handed out.
type PubkeyDetails struct {
	Keychain Keychain
	Depth    uint32
}

// UTXO is a single tracked output; spent outputs stay in the table with
// IsSpent set.
type UTXO struct {
	Outpoint   btcwire.OutPoint
	Script     []byte
	Amount     int64
	IsSpent    bool
	Keychain   Keychain
	Depth      uint32
	WeightHint int64 // estimated input virtual size (vbytes) for fee accounting
}

// Wallet is the in-memory watch-only wallet. It holds no private key
// material; signing happens entirely in the signer package against PSBTs
// this wallet constructs.
type Wallet struct {
	mu sync.Mutex

	accountXpub       *hdkeychain.ExtendedKey
	network           string
	params            *chaincfg.Params
	accountPath       []uint32
	masterFingerprint uint32

	scripts map[string]PubkeyDetails       // keyed by raw script bytes
	utxos   map[btcwire.OutPoint]*UTXO

	receiveDepth uint32
	changeDepth  uint32
}

// New constructs a fresh watch-only wallet from an account xpub handed
// back by the signer's DeriveAccount.
func New(accountXpub *hdkeychain.ExtendedKey, network string, masterFingerprint uint32) (*Wallet, error) {
	params, err := nodewire.NetworkParams(network)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		accountXpub:       accountXpub,
		network:           network,
		params:            params,
		accountPath:       AccountPath(),
		masterFingerprint: masterFingerprint,
		scripts:           make(map[string]PubkeyDetails),
		utxos:             make(map[btcwire.OutPoint]*UTXO),
	}, nil
}

// Pubkeys returns every script the wallet has registered — the filter
// match query set handed to the chain syncer.
func (w *Wallet) Pubkeys() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, 0, len(w.scripts))
	for script := range w.scripts {
		out = append(out, []byte(script))
	}
	return out
}

// GetReceiveAddress derives account/0/receive_depth, registers the
// resulting script, increments receive_depth, and returns the bech32
// address. Incrementing on every call (rather than only on change
// derivation) avoids leaving the first address's depth stuck at zero.
func (w *Wallet) GetReceiveAddress() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	script, address, err := w.deriveAndRegister(External, w.receiveDepth)
	if err != nil {
		return "", err
	}
	_ = script
	w.receiveDepth++
	return address, nil
}

// getChangeScript derives account/1/change_depth, registers it with the
// correct {Internal, change_depth} label, and
// increments change_depth.
func (w *Wallet) getChangeScript() ([]byte, error) {
	script, _, err := w.deriveAndRegister(Internal, w.changeDepth)
	if err != nil {
		return nil, err
	}
	w.changeDepth++
	return script, nil
}

// deriveAndRegister must be called with w.mu held.
func (w *Wallet) deriveAndRegister(keychain Keychain, depth uint32) (script []byte, address string, err error) {
	childKey, err := deriveScriptKey(w.accountXpub, branchFor(keychain), depth)
	if err != nil {
		return nil, "", err
	}
	script, address, err = p2wpkhScript(childKey, w.params)
	if err != nil {
		return nil, "", err
	}
	w.scripts[string(script)] = PubkeyDetails{Keychain: keychain, Depth: depth}
	return script, address, nil
}

// Balance sums the amount of every unspent UTXO.
func (w *Wallet) Balance() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	for _, u := range w.utxos {
		if u.IsSpent {
			continue
		}
		next := total + u.Amount
		if next < total {
			return 0, ErrBalanceOverflow
		}
		total = next
	}
	return total, nil
}

// UTXOs returns the current unspent set, for coin selection and
// inspection.
func (w *Wallet) UTXOs() []*UTXO {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*UTXO, 0, len(w.utxos))
	for _, u := range w.utxos {
		if !u.IsSpent {
			out = append(out, u)
		}
	}
	return out
}

// Network returns the network this wallet was configured for.
func (w *Wallet) Network() string { return w.network }

// InsertUTXOs implements chain.WalletView's upsert contract: an existing
// outpoint only has its IsSpent flag updated; a new outpoint must carry a
// script already present in the pubkey map, or the call fails with
// ErrNoPubKey.
func (w *Wallet) InsertUTXOs(partials []chain.PartialUTXO) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range partials {
		if existing, ok := w.utxos[p.Outpoint]; ok {
			existing.IsSpent = p.IsSpent
			continue
		}
		if p.Script == nil {
			// Spend of an outpoint we never tracked; not ours, ignore.
			continue
		}
		details, ok := w.scripts[string(p.Script)]
		if !ok {
			return ErrNoPubKey
		}
		w.utxos[p.Outpoint] = &UTXO{
			Outpoint:   p.Outpoint,
			Script:     p.Script,
			Amount:     p.Amount,
			IsSpent:    p.IsSpent,
			Keychain:   details.Keychain,
			Depth:      details.Depth,
			WeightHint: P2WPKHInputVSize,
		}
	}
	return nil
}

// State is the gob-serialisable snapshot of wallet.Wallet.
type State struct {
	AccountXpub       string
	Network           string
	AccountPath       []uint32
	MasterFingerprint uint32
	Scripts           map[string]PubkeyDetails
	UTXOs             map[btcwire.OutPoint]UTXO
	ReceiveDepth      uint32
	ChangeDepth       uint32
}

// GetState serialises the wallet to a version-prefixed gob blob.
func (w *Wallet) GetState() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	utxos := make(map[btcwire.OutPoint]UTXO, len(w.utxos))
	for op, u := range w.utxos {
		utxos[op] = *u
	}

	state := State{
		AccountXpub:       w.accountXpub.String(),
		Network:           w.network,
		AccountPath:       w.accountPath,
		MasterFingerprint: w.masterFingerprint,
		Scripts:           w.scripts,
		UTXOs:             utxos,
		ReceiveDepth:      w.receiveDepth,
		ChangeDepth:       w.changeDepth,
	}

	var buf bytes.Buffer
	buf.WriteByte(stateVersion)
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, fmt.Errorf("wallet: encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// FromState reconstructs a Wallet from a blob produced by GetState.
func FromState(blob []byte) (*Wallet, error) {
	if len(blob) == 0 || blob[0] != stateVersion {
		return nil, ErrBadState
	}

	var state State
	if err := gob.NewDecoder(bytes.NewReader(blob[1:])).Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}

	accountXpub, err := hdkeychain.NewKeyFromString(state.AccountXpub)
	if err != nil {
		return nil, fmt.Errorf("%w: account xpub: %v", ErrBadState, err)
	}
	params, err := nodewire.NetworkParams(state.Network)
	if err != nil {
		return nil, err
	}

	utxos := make(map[btcwire.OutPoint]*UTXO, len(state.UTXOs))
	for op, u := range state.UTXOs {
		uCopy := u
		utxos[op] = &uCopy
	}

	scripts := state.Scripts
	if scripts == nil {
		scripts = make(map[string]PubkeyDetails)
	}

	return &Wallet{
		accountXpub:       accountXpub,
		network:           state.Network,
		params:            params,
		accountPath:       state.AccountPath,
		masterFingerprint: state.MasterFingerprint,
		scripts:           scripts,
		utxos:             utxos,
		receiveDepth:      state.ReceiveDepth,
		changeDepth:       state.ChangeDepth,
	}, nil
}
