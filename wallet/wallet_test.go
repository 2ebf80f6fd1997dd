package wallet

import (
	"testing"

	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/djschnei21/btclightnode/chain"
)

func newTestWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := New(testAccountXpub(t), "regtest", 0xdeadbeef)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestGetReceiveAddressIncrementsDepthAndRegistersScript(t *testing.T) {
	w := newTestWallet(t)

	addr1, err := w.GetReceiveAddress()
	if err != nil {
		t.Fatalf("GetReceiveAddress: %v", err)
	}
	if w.receiveDepth != 1 {
		t.Fatalf("receiveDepth after first call = %d, want 1", w.receiveDepth)
	}

	addr2, err := w.GetReceiveAddress()
	if err != nil {
		t.Fatalf("GetReceiveAddress: %v", err)
	}
	if w.receiveDepth != 2 {
		t.Fatalf("receiveDepth after second call = %d, want 2", w.receiveDepth)
	}
	if addr1 == addr2 {
		t.Fatal("successive receive addresses must differ")
	}

	if len(w.Pubkeys()) != 2 {
		t.Fatalf("Pubkeys() length = %d, want 2", len(w.Pubkeys()))
	}
}

func TestGetChangeScriptLabelledInternal(t *testing.T) {
	w := newTestWallet(t)
	script, err := w.getChangeScript()
	if err != nil {
		t.Fatalf("getChangeScript: %v", err)
	}
	details, ok := w.scripts[string(script)]
	if !ok {
		t.Fatal("change script was not registered")
	}
	if details.Keychain != Internal {
		t.Fatalf("change script labelled Keychain=%v, want Internal", details.Keychain)
	}
	if details.Depth != 0 {
		t.Fatalf("change script labelled Depth=%d, want 0", details.Depth)
	}
	if w.changeDepth != 1 {
		t.Fatalf("changeDepth after one call = %d, want 1", w.changeDepth)
	}
}

func TestBalanceSumsUnspentOnly(t *testing.T) {
	w := newTestWallet(t)
	addr := mustRegisterScript(t, w)

	op1 := btcwire.OutPoint{Index: 1}
	op2 := btcwire.OutPoint{Index: 2}

	if err := w.InsertUTXOs([]chain.PartialUTXO{
		{Outpoint: op1, Script: addr, Amount: 10_000},
		{Outpoint: op2, Script: addr, Amount: 5_000},
	}); err != nil {
		t.Fatalf("InsertUTXOs: %v", err)
	}

	bal, err := w.Balance()
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 15_000 {
		t.Fatalf("Balance = %d, want 15000", bal)
	}

	if err := w.InsertUTXOs([]chain.PartialUTXO{{Outpoint: op1, IsSpent: true}}); err != nil {
		t.Fatalf("InsertUTXOs (spend): %v", err)
	}
	bal, err = w.Balance()
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 5_000 {
		t.Fatalf("Balance after spend = %d, want 5000", bal)
	}
}

func TestInsertUTXOsRejectsUnknownScript(t *testing.T) {
	w := newTestWallet(t)
	err := w.InsertUTXOs([]chain.PartialUTXO{
		{Outpoint: btcwire.OutPoint{Index: 1}, Script: []byte("not ours"), Amount: 1},
	})
	if err != ErrNoPubKey {
		t.Fatalf("InsertUTXOs with unknown script = %v, want ErrNoPubKey", err)
	}
}

func TestInsertUTXOsIgnoresSpendOfUntrackedOutpoint(t *testing.T) {
	w := newTestWallet(t)
	err := w.InsertUTXOs([]chain.PartialUTXO{
		{Outpoint: btcwire.OutPoint{Index: 99}, Script: nil, IsSpent: true},
	})
	if err != nil {
		t.Fatalf("InsertUTXOs: %v", err)
	}
	if len(w.UTXOs()) != 0 {
		t.Fatal("expected no UTXOs to be tracked")
	}
}

func TestGetStateRoundTrip(t *testing.T) {
	w := newTestWallet(t)
	addr := mustRegisterScript(t, w)
	if err := w.InsertUTXOs([]chain.PartialUTXO{
		{Outpoint: btcwire.OutPoint{Index: 1}, Script: addr, Amount: 42_000},
	}); err != nil {
		t.Fatalf("InsertUTXOs: %v", err)
	}

	blob, err := w.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	restored, err := FromState(blob)
	if err != nil {
		t.Fatalf("FromState: %v", err)
	}

	bal, err := restored.Balance()
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 42_000 {
		t.Fatalf("restored Balance = %d, want 42000", bal)
	}
	if restored.receiveDepth != w.receiveDepth {
		t.Fatalf("restored receiveDepth = %d, want %d", restored.receiveDepth, w.receiveDepth)
	}
	if len(restored.Pubkeys()) != len(w.Pubkeys()) {
		t.Fatal("restored wallet lost registered scripts")
	}
}

func TestFromStateRejectsBadVersionByte(t *testing.T) {
	if _, err := FromState([]byte{0xff, 1, 2, 3}); err != ErrBadState {
		t.Fatalf("FromState with bad version = %v, want ErrBadState", err)
	}
}

func TestFromStateRejectsEmptyBlob(t *testing.T) {
	if _, err := FromState(nil); err != ErrBadState {
		t.Fatalf("FromState(nil) = %v, want ErrBadState", err)
	}
}

func mustRegisterScript(t *testing.T, w *Wallet) []byte {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	script, _, err := w.deriveAndRegister(External, w.receiveDepth)
	if err != nil {
		t.Fatalf("deriveAndRegister: %v", err)
	}
	w.receiveDepth++
	return script
}
