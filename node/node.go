// Package node composes the signer, watch-only wallet, chain
// synchroniser, and single peer connection into the light client's public
// surface: new/restore, balance, get_receive_address, send_to_address.
// The core is single-threaded and synchronous — a single mutex
// serialises every user-visible call.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/djschnei21/btclightnode/chain"
	"github.com/djschnei21/btclightnode/kv"
	"github.com/djschnei21/btclightnode/peer"
	"github.com/djschnei21/btclightnode/signer"
	"github.com/djschnei21/btclightnode/wallet"
	nodewire "github.com/djschnei21/btclightnode/wire"
)

// Code is a small integer error taxonomy, surfaced to the node's caller.
type Code int

const (
	NetworkError Code = iota
	FetchHeader
	FetchFilter
	FetchBlock
	FilterMismatch
	WalletError
	SigningError
	DBError
	BadConfig
	PeerConnectFailed
	MissingState
)

func (c Code) String() string {
	switch c {
	case NetworkError:
		return "NetworkError"
	case FetchHeader:
		return "FetchHeader"
	case FetchFilter:
		return "FetchFilter"
	case FetchBlock:
		return "FetchBlock"
	case FilterMismatch:
		return "FilterMismatch"
	case WalletError:
		return "WalletError"
	case SigningError:
		return "SigningError"
	case DBError:
		return "DBError"
	case BadConfig:
		return "BadConfig"
	case PeerConnectFailed:
		return "PeerConnectFailed"
	case MissingState:
		return "MissingState"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with the taxonomy code the caller
// should switch on.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("node: %s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Config configures a fresh node.
type Config struct {
	Network       string
	SocketAddress string
	Xpriv         string
}

// PeerConn is everything the node needs from a peer connection: the
// chain syncer's request set, plus lifecycle teardown. *peer.Client
// satisfies this; tests substitute a fake to avoid real sockets.
type PeerConn interface {
	chain.PeerClient
	Close() error
}

// Node composes signer, wallet, chain syncer, and peer connection under a
// single lock.
type Node struct {
	mu sync.Mutex

	log           hclog.Logger
	store         kv.Store
	peer          PeerConn
	signer        *signer.Signer
	wallet        *wallet.Wallet
	syncer        *chain.Syncer
	socketAddress string
}

// New creates a fresh node: parses the xpriv, derives the account,
// connects to the peer, and starts the chain syncer at genesis.
func New(cfg Config, store kv.Store, log hclog.Logger) (*Node, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	master, err := hdkeychain.NewKeyFromString(cfg.Xpriv)
	if err != nil {
		return nil, wrap(BadConfig, fmt.Errorf("xpriv: %w", err))
	}

	s, err := signer.New(master, cfg.Network)
	if err != nil {
		return nil, wrap(BadConfig, err)
	}

	accountXpub, masterFingerprint, _, err := s.DeriveAccount()
	if err != nil {
		return nil, wrap(BadConfig, err)
	}

	w, err := wallet.New(accountXpub, cfg.Network, masterFingerprint)
	if err != nil {
		return nil, wrap(BadConfig, err)
	}

	netMagic, err := netParamsFor(cfg.Network)
	if err != nil {
		return nil, wrap(BadConfig, err)
	}

	p, err := peer.Dial(cfg.SocketAddress, netMagic, log.Named("peer"))
	if err != nil {
		return nil, wrap(PeerConnectFailed, err)
	}

	genesis, err := nodewire.GenesisHash(cfg.Network)
	if err != nil {
		p.Close()
		return nil, wrap(BadConfig, err)
	}

	syncer := chain.New(genesis, p, w, log.Named("chain"))

	n := &Node{log: log, store: store, peer: p, signer: s, wallet: w, syncer: syncer, socketAddress: cfg.SocketAddress}
	if err := n.persist(); err != nil {
		p.Close()
		return nil, err
	}
	return n, nil
}

// Restore reconstructs a node from its four persisted state blobs alone,
// dialing the peer socket address read back from the node state blob.
func Restore(store kv.Store, log hclog.Logger) (*Node, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	for _, key := range []string{kv.KeyChainState, kv.KeyWalletState, kv.KeySignerState, kv.KeyNodeState} {
		if !hasKey(store, key) {
			return nil, wrap(MissingState, fmt.Errorf("missing %s", key))
		}
	}

	signerBlob, err := store.Get(kv.KeySignerState)
	if err != nil {
		return nil, wrap(DBError, err)
	}
	s, err := signer.FromState(signerBlob)
	if err != nil {
		return nil, wrap(BadConfig, err)
	}

	walletBlob, err := store.Get(kv.KeyWalletState)
	if err != nil {
		return nil, wrap(DBError, err)
	}
	w, err := wallet.FromState(walletBlob)
	if err != nil {
		return nil, wrap(WalletError, err)
	}

	nodeBlob, err := store.Get(kv.KeyNodeState)
	if err != nil {
		return nil, wrap(DBError, err)
	}
	var nodeState persistedNodeState
	if err := decodeNodeState(nodeBlob, &nodeState); err != nil {
		return nil, wrap(BadConfig, err)
	}

	netMagic, err := netParamsFor(w.Network())
	if err != nil {
		return nil, wrap(BadConfig, err)
	}

	p, err := peer.Dial(nodeState.SocketAddress, netMagic, log.Named("peer"))
	if err != nil {
		return nil, wrap(PeerConnectFailed, err)
	}

	chainBlob, err := store.Get(kv.KeyChainState)
	if err != nil {
		p.Close()
		return nil, wrap(DBError, err)
	}
	var chainState chain.State
	if err := decodeChainState(chainBlob, &chainState); err != nil {
		p.Close()
		return nil, wrap(BadConfig, err)
	}

	syncer := chain.FromState(chainState, p, w, log.Named("chain"))

	n := &Node{log: log, store: store, peer: p, signer: s, wallet: w, syncer: syncer, socketAddress: nodeState.SocketAddress}
	return n, nil
}

func hasKey(store kv.Store, key string) bool {
	type haser interface{ Has(string) bool }
	if h, ok := store.(haser); ok {
		return h.Has(key)
	}
	_, err := store.Get(key)
	return err == nil
}

// Balance runs sync_state and returns the confirmed unspent total in
// satoshis.
func (n *Node) Balance() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.sync(); err != nil {
		return 0, err
	}

	bal, err := n.wallet.Balance()
	if err != nil {
		return 0, wrap(WalletError, err)
	}
	if err := n.persist(); err != nil {
		return 0, err
	}
	return uint64(bal), nil
}

// GetReceiveAddress runs sync_state, then derives and returns the next
// receive address (spec
// §6, "get_receive_address").
func (n *Node) GetReceiveAddress() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.sync(); err != nil {
		return "", err
	}

	addr, err := n.wallet.GetReceiveAddress()
	if err != nil {
		return "", wrap(WalletError, err)
	}
	if err := n.persist(); err != nil {
		return "", err
	}
	return addr, nil
}

// SendToAddress builds, signs, finalizes, and broadcasts a transaction
// paying amountSats to recipientScript at the given fee rate.
func (n *Node) SendToAddress(recipientScript []byte, amountSats int64, feeRatePerVb int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.sync(); err != nil {
		return err
	}

	psbtBytes, err := n.wallet.CreateTransaction(recipientScript, amountSats, feeRatePerVb)
	if err != nil {
		return wrap(WalletError, err)
	}

	signedPSBT, err := n.signer.SignPSBT(psbtBytes)
	if err != nil {
		return wrap(SigningError, err)
	}

	rawTx, err := wallet.FinalizeTransaction(signedPSBT)
	if err != nil {
		return wrap(WalletError, err)
	}

	tx, err := decodeTx(rawTx)
	if err != nil {
		return wrap(WalletError, err)
	}

	if err := n.peer.SendTransaction(tx); err != nil {
		return wrap(NetworkError, err)
	}

	if err := n.persist(); err != nil {
		return err
	}
	return nil
}

// sync drives the chain syncer and propagates its typed errors. On
// ErrFilterMismatch or any sync error, no state is persisted — the
// syncer itself never advances its in-memory cursor past the failure, so
// a later successful call resumes correctly.
func (n *Node) sync() error {
	ctx := context.Background()
	if err := n.syncer.SyncState(ctx); err != nil {
		switch {
		case isFilterMismatch(err):
			return wrap(FilterMismatch, err)
		case isProtocolErr(err):
			return wrap(FetchHeader, err)
		default:
			return wrap(NetworkError, err)
		}
	}
	return nil
}

func (n *Node) persist() error {
	chainBlob, err := encodeChainState(n.syncer.State())
	if err != nil {
		return wrap(DBError, err)
	}
	if err := n.store.Insert(kv.KeyChainState, chainBlob); err != nil {
		return wrap(DBError, err)
	}

	walletBlob, err := n.wallet.GetState()
	if err != nil {
		return wrap(DBError, err)
	}
	if err := n.store.Insert(kv.KeyWalletState, walletBlob); err != nil {
		return wrap(DBError, err)
	}

	signerBlob, err := n.signer.GetState()
	if err != nil {
		return wrap(DBError, err)
	}
	if err := n.store.Insert(kv.KeySignerState, signerBlob); err != nil {
		return wrap(DBError, err)
	}

	nodeBlob, err := encodeNodeState(persistedNodeState{Network: n.wallet.Network(), SocketAddress: n.socketAddress})
	if err != nil {
		return wrap(DBError, err)
	}
	if err := n.store.Insert(kv.KeyNodeState, nodeBlob); err != nil {
		return wrap(DBError, err)
	}
	return nil
}

// Close releases the node's peer connection.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peer.Close()
}

func decodeTx(raw []byte) (*btcwire.MsgTx, error) {
	tx := btcwire.NewMsgTx(btcwire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func isFilterMismatch(err error) bool { return errors.Is(err, chain.ErrFilterMismatch) }
func isProtocolErr(err error) bool    { return errors.Is(err, chain.ErrProtocol) }

func netParamsFor(network string) (btcwire.BitcoinNet, error) {
	params, err := nodewire.NetworkParams(network)
	if err != nil {
		return 0, err
	}
	return params.Net, nil
}
