// Package signer holds the private side of the spending pipeline: the
// master extended private key, BIP84 account derivation, and PSBT input
// signing. No chain or wallet logic lives here — the signer only ever
// sees a PSBT the wallet already built and hands back partial
// signatures.
package signer

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/djschnei21/btclightnode/wallet"
	nodewire "github.com/djschnei21/btclightnode/wire"
)

const stateVersion byte = 1

var (
	// ErrSigningFailed is returned when one or more PSBT inputs could not
	// be matched to a key this signer derives.
	ErrSigningFailed = errors.New("signer: unable to sign one or more inputs")
	ErrBadState      = errors.New("signer: corrupt or unsupported state blob")
)

// Signer holds the master extended private key and signs PSBT inputs
// against the fixed BIP84 account path. The only form in which it
// persists the private key is the base58 extended-key string that
// GetState writes.
type Signer struct {
	mu sync.Mutex

	master  *hdkeychain.ExtendedKey
	network string
	params  *chaincfg.Params
}

// New wraps a master extended private key produced from a seed, ready to
// derive the fixed account and sign PSBT inputs for it.
func New(master *hdkeychain.ExtendedKey, network string) (*Signer, error) {
	if !master.IsPrivate() {
		return nil, fmt.Errorf("signer: master key is not private")
	}
	params, err := nodewire.NetworkParams(network)
	if err != nil {
		return nil, err
	}
	return &Signer{master: master, network: network, params: params}, nil
}

// DeriveAccount walks the master key down the fixed BIP84 path
// (m/84'/0'/0', used unchanged on every network) and
// returns the account's neutered (public-only) extended key, the master
// key fingerprint, and the absolute derivation path — everything the
// wallet needs to construct a watch-only view.
func (s *Signer) DeriveAccount() (accountXpub *hdkeychain.ExtendedKey, masterFingerprint uint32, accountPath []uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	masterFingerprint, err = fingerprintOf(s.master)
	if err != nil {
		return nil, 0, nil, err
	}

	accountPath = wallet.AccountPath()
	key := s.master
	for _, child := range accountPath {
		key, err = key.Derive(child)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("signer: derive account path: %w", err)
		}
	}

	accountXpub, err = key.Neuter()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("signer: neuter account key: %w", err)
	}
	return accountXpub, masterFingerprint, accountPath, nil
}

// SignPSBT signs every input the PSBT's BIP32 derivation info says belongs
// to this signer's account, filling in a partial_sig per input. It fails
// with ErrSigningFailed if any input cannot be matched and signed
// (single-sig P2WPKH only — the multisig/P2WSH and Taproot strategies the
// teacher carries are out of scope here).
func (s *Signer) SignPSBT(psbtBytes []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(psbtBytes), false)
	if err != nil {
		return nil, fmt.Errorf("signer: parse psbt: %w", err)
	}

	masterFingerprint, err := fingerprintOf(s.master)
	if err != nil {
		return nil, err
	}

	prevOutFetcher := buildPrevOutFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, prevOutFetcher)

	for i, input := range packet.Inputs {
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("%w: input %d has no witness utxo", ErrSigningFailed, i)
		}

		signed := false
		for _, deriv := range input.Bip32Derivation {
			if deriv == nil || deriv.MasterKeyFingerprint != masterFingerprint {
				continue
			}
			key, err := s.deriveFromPath(deriv.Bip32Path)
			if err != nil {
				continue
			}
			pubKey, err := key.ECPubKey()
			if err != nil {
				continue
			}
			if !bytes.Equal(pubKey.SerializeCompressed(), deriv.PubKey) {
				continue
			}
			if err := signInput(packet, i, key, sigHashes); err != nil {
				continue
			}
			signed = true
			break
		}
		if !signed {
			return nil, fmt.Errorf("%w: input %d", ErrSigningFailed, i)
		}
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("signer: serialize psbt: %w", err)
	}
	return buf.Bytes(), nil
}

func buildPrevOutFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	prevOuts := make(map[btcwire.OutPoint]*btcwire.TxOut, len(packet.Inputs))
	for i, input := range packet.Inputs {
		if input.WitnessUtxo != nil {
			prevOuts[packet.UnsignedTx.TxIn[i].PreviousOutPoint] = input.WitnessUtxo
		}
	}
	return txscript.NewMultiPrevOutFetcher(prevOuts)
}

func (s *Signer) deriveFromPath(path []uint32) (*hdkeychain.ExtendedKey, error) {
	key := s.master
	for _, child := range path {
		var err error
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("signer: derive path: %w", err)
		}
	}
	return key, nil
}

func signInput(packet *psbt.Packet, inputIndex int, key *hdkeychain.ExtendedKey, sigHashes *txscript.TxSigHashes) error {
	privKey, err := key.ECPrivKey()
	if err != nil {
		return fmt.Errorf("signer: private key: %w", err)
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return fmt.Errorf("signer: public key: %w", err)
	}

	input := packet.Inputs[inputIndex]
	witness, err := txscript.WitnessSignature(
		packet.UnsignedTx, sigHashes, inputIndex,
		input.WitnessUtxo.Value,
		input.WitnessUtxo.PkScript,
		txscript.SigHashAll,
		privKey, true,
	)
	if err != nil {
		return fmt.Errorf("signer: witness signature: %w", err)
	}

	packet.Inputs[inputIndex].PartialSigs = append(packet.Inputs[inputIndex].PartialSigs, &psbt.PartialSig{
		PubKey:    pubKey.SerializeCompressed(),
		Signature: witness[0],
	})
	return nil
}

func fingerprintOf(key *hdkeychain.ExtendedKey) (uint32, error) {
	pubKey, err := key.Neuter()
	if err != nil {
		return 0, fmt.Errorf("signer: neuter for fingerprint: %w", err)
	}
	ecPubKey, err := pubKey.ECPubKey()
	if err != nil {
		return 0, fmt.Errorf("signer: public key for fingerprint: %w", err)
	}
	hash := btcutil.Hash160(ecPubKey.SerializeCompressed())
	return binary.BigEndian.Uint32(hash[:4]), nil
}

// State is the gob-serialisable snapshot of a Signer: the master extended
// private key's base58 string representation plus the network name.
type State struct {
	Master  string
	Network string
}

// GetState serialises the signer to a version-prefixed gob blob.
func (s *Signer) GetState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteByte(stateVersion)
	if err := gob.NewEncoder(&buf).Encode(State{Master: s.master.String(), Network: s.network}); err != nil {
		return nil, fmt.Errorf("signer: encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// FromState reconstructs a Signer from a blob produced by GetState.
func FromState(blob []byte) (*Signer, error) {
	if len(blob) == 0 || blob[0] != stateVersion {
		return nil, ErrBadState
	}

	var state State
	if err := gob.NewDecoder(bytes.NewReader(blob[1:])).Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}

	master, err := hdkeychain.NewKeyFromString(state.Master)
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", ErrBadState, err)
	}
	return New(master, state.Network)
}
