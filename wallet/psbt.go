package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	btcwire "github.com/btcsuite/btcd/wire"

	nodewire "github.com/djschnei21/btclightnode/wire"
)

// CreateTransaction builds an unsigned PSBT paying amount to
// recipientScript at feeRate sat/vB, selecting inputs via SelectCoins and
// attaching a change output of its own when the fallback path leaves
// spendable excess.
func (w *Wallet) CreateTransaction(recipientScript []byte, amount int64, feeRate int64) ([]byte, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("wallet: amount must be positive")
	}
	if amount < DustLimit {
		return nil, fmt.Errorf("wallet: recipient amount %d below dust limit %d", amount, DustLimit)
	}
	if feeRate <= 0 {
		return nil, fmt.Errorf("wallet: fee_rate must be positive")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	utxos := make([]*UTXO, 0, len(w.utxos))
	for _, u := range w.utxos {
		if !u.IsSpent {
			utxos = append(utxos, u)
		}
	}

	result, err := SelectCoins(utxos, amount, feeRate, nodewire.NewRandSource())
	if err != nil {
		return nil, err
	}

	tx := btcwire.NewMsgTx(btcwire.TxVersion)
	for _, u := range result.Selected {
		outpoint := u.Outpoint
		tx.AddTxIn(btcwire.NewTxIn(&outpoint, nil, nil))
	}
	tx.AddTxOut(btcwire.NewTxOut(amount, recipientScript))

	if result.Excess == Change {
		changeScript, err := w.getChangeScript()
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(btcwire.NewTxOut(result.Amount, changeScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("wallet: new psbt: %w", err)
	}

	for i, u := range result.Selected {
		packet.Inputs[i].WitnessUtxo = &btcwire.TxOut{
			Value:    u.Amount,
			PkScript: u.Script,
		}
		details, ok := w.scripts[string(u.Script)]
		if !ok {
			return nil, ErrNoPubKey
		}
		childKey, err := deriveScriptKey(w.accountXpub, branchFor(details.Keychain), details.Depth)
		if err != nil {
			return nil, err
		}
		pubKey, err := childKey.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("wallet: input %d public key: %w", i, err)
		}
		path := append(append([]uint32{}, w.accountPath...), branchFor(details.Keychain), details.Depth)
		packet.Inputs[i].Bip32Derivation = []*psbt.Bip32Derivation{
			{
				PubKey:               pubKey.SerializeCompressed(),
				MasterKeyFingerprint: w.masterFingerprint,
				Bip32Path:            path,
			},
		}
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("wallet: serialize psbt: %w", err)
	}
	return buf.Bytes(), nil
}

// FinalizeTransaction finalizes every input of a PSBT the signer has
// filled in with partial signatures, and returns the raw, broadcastable
// transaction bytes.
func FinalizeTransaction(psbtBytes []byte) ([]byte, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(psbtBytes), false)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse psbt: %w", err)
	}

	for i := range packet.Inputs {
		if err := psbt.Finalize(packet, i); err != nil {
			return nil, fmt.Errorf("wallet: finalize input %d: %w", i, err)
		}
	}

	finalTx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("wallet: extract transaction: %w", err)
	}

	var txBuf bytes.Buffer
	if err := finalTx.Serialize(&txBuf); err != nil {
		return nil, fmt.Errorf("wallet: serialize transaction: %w", err)
	}
	return txBuf.Bytes(), nil
}
