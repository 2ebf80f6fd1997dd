package wallet

import (
	"math/rand"
	"testing"

	btcwire "github.com/btcsuite/btcd/wire"
)

func mkUTXO(amount int64) *UTXO {
	return &UTXO{
		Outpoint:   btcwire.OutPoint{Index: uint32(amount)},
		Amount:     amount,
		WeightHint: P2WPKHInputVSize,
	}
}

func TestSelectCoinsBranchAndBoundExactMatch(t *testing.T) {
	utxos := []*UTXO{mkUTXO(100_000), mkUTXO(50_000), mkUTXO(30_000)}
	feeRate := int64(1)
	target := int64(100_000) - feeRate*P2WPKHInputVSize

	res, err := SelectCoins(utxos, target, feeRate, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if res.Excess != NoChange {
		t.Fatalf("expected an exact BnB match with no change, got Excess=%v Amount=%d", res.Excess, res.Amount)
	}
	if len(res.Selected) != 1 || res.Selected[0].Amount != 100_000 {
		t.Fatalf("expected the single 100_000 UTXO selected, got %+v", res.Selected)
	}
}

func TestSelectCoinsFallsBackToLargestFirstWithChange(t *testing.T) {
	utxos := []*UTXO{mkUTXO(40_000), mkUTXO(35_000), mkUTXO(10_000)}
	feeRate := int64(2)
	target := int64(50_000)

	res, err := SelectCoins(utxos, target, feeRate, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if res.Excess != Change {
		t.Fatalf("expected a largest-first selection with change, got Excess=%v", res.Excess)
	}
	if res.Amount < DustLimit {
		t.Fatalf("change amount %d below dust limit %d", res.Amount, DustLimit)
	}
	if len(res.Selected) == 0 || res.Selected[0].Amount != 40_000 {
		t.Fatalf("expected largest-first to start with the 40_000 UTXO, got %+v", res.Selected)
	}
}

func TestSelectCoinsDropsDustChangeIntoFee(t *testing.T) {
	feeRate := int64(1)
	exactFee := estimateFeeWithChange(1, feeRate) - P2WPKHOutputVSize*feeRate
	target := int64(20_000)
	utxos := []*UTXO{mkUTXO(target + exactFee + DustLimit/2)}

	res, err := SelectCoins(utxos, target, feeRate, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if res.Excess != NoChange {
		t.Fatalf("expected dust change to fold into the fee (no explicit change), got Excess=%v Amount=%d", res.Excess, res.Amount)
	}
}

func TestSelectCoinsInsufficientFunds(t *testing.T) {
	utxos := []*UTXO{mkUTXO(1_000)}
	_, err := SelectCoins(utxos, 1_000_000, 1, rand.New(rand.NewSource(1)))
	if err != ErrInsufficientFunds {
		t.Fatalf("SelectCoins = %v, want ErrInsufficientFunds", err)
	}
}

func TestSelectCoinsEmptySet(t *testing.T) {
	_, err := SelectCoins(nil, 1, 1, rand.New(rand.NewSource(1)))
	if err != ErrInsufficientFunds {
		t.Fatalf("SelectCoins on empty utxo set = %v, want ErrInsufficientFunds", err)
	}
}

func TestEstimateFeeWithChangeScalesWithInputs(t *testing.T) {
	feeRate := int64(5)
	fee1 := estimateFeeWithChange(1, feeRate)
	fee2 := estimateFeeWithChange(2, feeRate)
	if fee2-fee1 != P2WPKHInputVSize*feeRate {
		t.Fatalf("fee delta per extra input = %d, want %d", fee2-fee1, P2WPKHInputVSize*feeRate)
	}
}
