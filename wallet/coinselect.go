package wallet

import (
	"math/rand"
	"sort"
)

// Fee and sizing constants (P2WPKH-only; Taproot sizing is dropped along
// with Taproot support, an explicit non-goal).
const (
	P2WPKHInputVSize  = 68 // vbytes, witness discounted
	P2WPKHOutputVSize = 31
	TxOverhead        = 10
	DustLimit         = 546

	// BnBMaxTries bounds the branch-and-bound search.
	BnBMaxTries = 100000
)

// ExcessKind distinguishes a no-change BnB match from a largest-first
// selection that leaves explicit change.
type ExcessKind int

const (
	NoChange ExcessKind = iota
	Change
)

// SelectionResult is the outcome of coin selection.
type SelectionResult struct {
	Selected []*UTXO
	Excess   ExcessKind
	Amount   int64 // change amount; zero when Excess == NoChange
}

// costOfChange is the fee cost of adding one more change output at the
// given fee rate.
func costOfChange(feeRate int64) int64 {
	return feeRate * P2WPKHOutputVSize
}

func effectiveValue(u *UTXO, feeRate int64) int64 {
	return u.Amount - feeRate*u.WeightHint
}

// SelectCoins tries branch-and-bound first, targeting
// an exact match within [target, target+costOfChange) with no change
// output; falling back to largest-first accumulation with an explicit
// change output (or, below dust, folding the excess into the fee).
func SelectCoins(utxos []*UTXO, target int64, feeRate int64, rng *rand.Rand) (*SelectionResult, error) {
	if len(utxos) == 0 {
		return nil, ErrInsufficientFunds
	}

	if res := branchAndBound(utxos, target, feeRate, rng); res != nil {
		return res, nil
	}
	return largestFirst(utxos, target, feeRate)
}

// branchAndBound performs a randomised depth-first search over subsets of
// utxos (by effective value), looking for a subset summing into
// [target, target+costOfChange). Returns nil if no such subset is found
// within BnBMaxTries.
func branchAndBound(utxos []*UTXO, target int64, feeRate int64, rng *rand.Rand) *SelectionResult {
	upperBound := target + costOfChange(feeRate)

	order := make([]int, len(utxos))
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	effValues := make([]int64, len(utxos))
	for i, u := range utxos {
		effValues[i] = effectiveValue(u, feeRate)
	}

	tries := 0
	selected := make([]bool, len(utxos))

	var search func(depth int, sum int64) []int
	search = func(depth int, sum int64) []int {
		tries++
		if tries > BnBMaxTries {
			return nil
		}
		if sum >= target && sum < upperBound {
			out := make([]int, 0)
			for i, ok := range selected {
				if ok {
					out = append(out, i)
				}
			}
			return out
		}
		if sum >= upperBound || depth == len(order) {
			return nil
		}

		idx := order[depth]

		// Include utxo[idx].
		if effValues[idx] > 0 {
			selected[idx] = true
			if found := search(depth+1, sum+effValues[idx]); found != nil {
				return found
			}
			selected[idx] = false
		}

		// Exclude utxo[idx].
		return search(depth+1, sum)
	}

	indices := search(0, 0)
	if indices == nil {
		return nil
	}

	out := make([]*UTXO, len(indices))
	for i, idx := range indices {
		out[i] = utxos[idx]
	}
	return &SelectionResult{Selected: out, Excess: NoChange}
}

// largestFirst accumulates UTXOs by descending effective value until the
// running total covers target plus the fee for a transaction that
// includes a change output.
func largestFirst(utxos []*UTXO, target int64, feeRate int64) (*SelectionResult, error) {
	sorted := make([]*UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool {
		return effectiveValue(sorted[i], feeRate) > effectiveValue(sorted[j], feeRate)
	})

	var selected []*UTXO
	var sum int64
	for _, u := range sorted {
		selected = append(selected, u)
		sum += effectiveValue(u, feeRate)

		estimatedFee := estimateFeeWithChange(len(selected), feeRate)
		if sum >= target+estimatedFee {
			changeAmount := sum - target - estimatedFee
			if changeAmount < DustLimit {
				// Dust change folds into the fee.
				return &SelectionResult{Selected: selected, Excess: NoChange}, nil
			}
			return &SelectionResult{Selected: selected, Excess: Change, Amount: changeAmount}, nil
		}
	}

	return nil, ErrInsufficientFunds
}

// estimateFeeWithChange derives the vsize-based fee for n P2WPKH inputs,
// one recipient output, and one change output — weight formulas only, no
// hardcoded constants.
func estimateFeeWithChange(numInputs int, feeRate int64) int64 {
	vsize := int64(TxOverhead) + int64(numInputs)*P2WPKHInputVSize + 2*P2WPKHOutputVSize
	return vsize * feeRate
}
