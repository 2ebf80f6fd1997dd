// Package wallet implements the watch-only, xpub-derived side of the
// spending pipeline: BIP84 P2WPKH script derivation from an account
// extended public key, the UTXO table, coin selection, and PSBT
// construction/finalisation. The wallet never holds a private key — that
// lives in the signer package — so every derivation here walks the
// account xpub's public (non-hardened) child path only.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// BIP84 fixes the account path at m/84'/0'/0' for every network this
// client supports, including testnet/regtest/signet: an intentional
// deviation from BIP-44's per-network coin type.
const (
	Purpose84 = 84
	CoinType  = 0
	Account   = 0
)

// Keychain identifies which derivation branch a script came from.
type Keychain int

const (
	External Keychain = iota // receive: account/0/depth
	Internal                 // change: account/1/depth
)

func (k Keychain) String() string {
	if k == Internal {
		return "internal"
	}
	return "external"
}

// AccountPath returns the absolute hardened derivation path for the
// fixed BIP84 account, as child numbers with the hardened bit applied.
func AccountPath() []uint32 {
	return []uint32{
		hdkeychain.HardenedKeyStart + Purpose84,
		hdkeychain.HardenedKeyStart + CoinType,
		hdkeychain.HardenedKeyStart + Account,
	}
}

// deriveScriptKey walks the account xpub down branch/index (both
// non-hardened, as required for public derivation) and returns the
// resulting extended public key.
func deriveScriptKey(accountXpub *hdkeychain.ExtendedKey, branch, index uint32) (*hdkeychain.ExtendedKey, error) {
	branchKey, err := accountXpub.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive branch %d: %w", branch, err)
	}
	childKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive index %d: %w", index, err)
	}
	return childKey, nil
}

// p2wpkhScript returns the P2WPKH scriptPubKey and bech32 address for a
// derived public key.
func p2wpkhScript(childKey *hdkeychain.ExtendedKey, params *chaincfg.Params) (script []byte, address string, err error) {
	pubKey, err := childKey.ECPubKey()
	if err != nil {
		return nil, "", fmt.Errorf("wallet: public key: %w", err)
	}
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, "", fmt.Errorf("wallet: p2wpkh address: %w", err)
	}
	script, err = txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, "", fmt.Errorf("wallet: p2wpkh script: %w", err)
	}
	return script, addr.EncodeAddress(), nil
}

func branchFor(k Keychain) uint32 {
	if k == Internal {
		return 1
	}
	return 0
}
