// Package chain drives the BIP157/158 sync loop: walk headers from a
// peer, verify compact filter header commitments, match compact filters
// against the wallet's script set, pull only the blocks that matched,
// and feed the resulting UTXO deltas to the wallet.
//
// A single external connection drives wallet state, generalised from a
// "subscribe and get told about history" model to BIP157's "walk
// headers, verify commitments, match filters, pull blocks" model.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/djschnei21/btclightnode/filter"
	nodewire "github.com/djschnei21/btclightnode/wire"
)

// Sync-loop tuning constants.
const (
	FilterStripeSize = 500
	MaxHeaderBatch   = 2000
)

var (
	// ErrFilterMismatch is returned when an announced cfheader filter
	// hash does not match sha256d of the cfilter payload actually
	// received. The caller must not advance chain state on this error.
	ErrFilterMismatch = errors.New("chain: filter hash mismatch")
	ErrProtocol       = errors.New("chain: unexpected peer response shape")
)

// State is the persisted sync cursor.
type State struct {
	LastBlockHash   nodewire.Hash256
	LastBlockHeight uint64
}

// PartialUTXO is a single UTXO delta produced by a confirmed block: either
// a brand-new output paying one of the wallet's scripts (Script non-nil),
// or a spend of a previously-seen outpoint (Script nil, IsSpent true).
type PartialUTXO struct {
	Outpoint btcwire.OutPoint
	Script   []byte
	Amount   int64
	IsSpent  bool
}

// PeerClient is the subset of peer.Client the syncer depends on.
type PeerClient interface {
	KeepAlive() error
	FetchHeaders(locator, stop nodewire.Hash256) ([]*btcwire.BlockHeader, error)
	GetCompactFilterHeaders(startHeight uint32, stopHash nodewire.Hash256) (*btcwire.MsgCFHeaders, error)
	GetCompactFilters(startHeight uint32, stopHash nodewire.Hash256, count int) ([]*btcwire.MsgCFilter, error)
	GetBlock(hash nodewire.Hash256) (*btcwire.MsgBlock, error)
	SendTransaction(tx *btcwire.MsgTx) error
}

// WalletView is the non-owning query/update surface the syncer needs from
// the wallet, breaking the wallet<->chain cyclic dependency: the wallet
// owns its own state, the syncer only ever calls through this interface.
type WalletView interface {
	Pubkeys() [][]byte
	InsertUTXOs(partials []PartialUTXO) error
}

// Syncer owns ChainState and drives the sync loop against a peer and a
// wallet view.
type Syncer struct {
	state  State
	peer   PeerClient
	wallet WalletView
	log    hclog.Logger
}

// New constructs a Syncer seeded at genesis.
func New(genesis nodewire.Hash256, peer PeerClient, wallet WalletView, log hclog.Logger) *Syncer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Syncer{
		state:  State{LastBlockHash: genesis, LastBlockHeight: 0},
		peer:   peer,
		wallet: wallet,
		log:    log,
	}
}

// FromState reconstructs a Syncer from a persisted cursor.
func FromState(state State, peer PeerClient, wallet WalletView, log hclog.Logger) *Syncer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Syncer{state: state, peer: peer, wallet: wallet, log: log}
}

// State returns the current persisted cursor.
func (s *Syncer) State() State { return s.state }

// SyncState keeps the peer alive, walks
// headers in batches of up to MaxHeaderBatch, verify and match compact
// filters in stripes of FilterStripeSize, and feed UTXO deltas from any
// matching block to the wallet. It returns once the peer reports no
// further headers past the current cursor, or after a batch shorter than
// MaxHeaderBatch.
func (s *Syncer) SyncState(ctx context.Context) error {
	if err := s.peer.KeepAlive(); err != nil {
		return fmt.Errorf("chain: keep-alive: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		headers, err := s.peer.FetchHeaders(s.state.LastBlockHash, nodewire.Hash256{})
		if err != nil {
			return fmt.Errorf("chain: fetch headers: %w", err)
		}
		if len(headers) == 0 {
			return nil
		}

		start := s.state.LastBlockHeight + 1

		if err := s.syncHeaderBatch(start, headers); err != nil {
			return err
		}

		last := headers[len(headers)-1]
		s.state.LastBlockHeight = start + uint64(len(headers)) - 1
		s.state.LastBlockHash = last.BlockHash()

		if len(headers) < MaxHeaderBatch {
			return nil
		}
	}
}

func (s *Syncer) syncHeaderBatch(start uint64, headers []*btcwire.BlockHeader) error {
	for stripeStart := 0; stripeStart < len(headers); stripeStart += FilterStripeSize {
		stripeEnd := stripeStart + FilterStripeSize
		if stripeEnd > len(headers) {
			stripeEnd = len(headers)
		}
		stripe := headers[stripeStart:stripeEnd]
		stripeStartHeight := uint32(start) + uint32(stripeStart)

		s.log.Debug("syncing stripe", "start", stripeStartHeight, "count", len(stripe))

		if err := s.syncStripe(stripeStartHeight, stripe); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) syncStripe(stripeStartHeight uint32, stripe []*btcwire.BlockHeader) error {
	stopHash := stripe[len(stripe)-1].BlockHash()

	cfheaders, err := s.peer.GetCompactFilterHeaders(stripeStartHeight, stopHash)
	if err != nil {
		return fmt.Errorf("chain: fetch cfheaders: %w", err)
	}
	if len(cfheaders.FilterHashes) != len(stripe) {
		return fmt.Errorf("%w: cfheaders count %d != stripe size %d",
			ErrProtocol, len(cfheaders.FilterHashes), len(stripe))
	}

	cfilters, err := s.peer.GetCompactFilters(stripeStartHeight, stopHash, len(stripe))
	if err != nil {
		return fmt.Errorf("chain: fetch cfilters: %w", err)
	}
	if len(cfilters) != len(stripe) {
		return fmt.Errorf("%w: cfilter count %d != stripe size %d",
			ErrProtocol, len(cfilters), len(stripe))
	}

	pubkeys := s.wallet.Pubkeys()

	var matched []nodewire.Hash256
	for i, hdr := range stripe {
		blockHash := hdr.BlockHash()
		cf := cfilters[i]

		announced := cfheaders.FilterHashes[i]
		got := sha256d(cf.Data)
		if got != *announced {
			return fmt.Errorf("%w: stripe height %d", ErrFilterMismatch, uint32(stripeStartHeight)+uint32(i))
		}

		ok, err := filter.MatchAnyBytes(cf.Data, blockHash, pubkeys)
		if err != nil {
			return fmt.Errorf("chain: match filter: %w", err)
		}
		if ok {
			matched = append(matched, blockHash)
		}
	}

	for _, hash := range matched {
		block, err := s.peer.GetBlock(hash)
		if err != nil {
			return fmt.Errorf("chain: fetch block: %w", err)
		}
		if err := s.applyBlock(block, pubkeys); err != nil {
			return fmt.Errorf("chain: apply block: %w", err)
		}
	}

	return nil
}

// applyBlock computes UTXO deltas for every transaction in the block, in
// block order, and applies them to the wallet one transaction at a time
// so that a same-block spend-after-receive sees the receive first.
func (s *Syncer) applyBlock(block *btcwire.MsgBlock, pubkeys [][]byte) error {
	scriptSet := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		scriptSet[string(pk)] = struct{}{}
	}

	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		var partials []PartialUTXO

		for idx, out := range tx.TxOut {
			if _, ok := scriptSet[string(out.PkScript)]; !ok {
				continue
			}
			partials = append(partials, PartialUTXO{
				Outpoint: btcwire.OutPoint{Hash: txHash, Index: uint32(idx)},
				Script:   out.PkScript,
				Amount:   out.Value,
				IsSpent:  false,
			})
		}

		for _, in := range tx.TxIn {
			if in.PreviousOutPoint.Hash == (nodewire.Hash256{}) {
				continue // coinbase
			}
			partials = append(partials, PartialUTXO{
				Outpoint: in.PreviousOutPoint,
				IsSpent:  true,
			})
		}

		if len(partials) == 0 {
			continue
		}
		if err := s.wallet.InsertUTXOs(partials); err != nil {
			return err
		}
	}
	return nil
}

func sha256d(b []byte) nodewire.Hash256 {
	return chainhash.DoubleHashH(b)
}
