package signer

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/djschnei21/btclightnode/chain"
	"github.com/djschnei21/btclightnode/wallet"
)

func outpointForTest() btcwire.OutPoint {
	return btcwire.OutPoint{Index: 7}
}

func creditWallet(w *wallet.Wallet, outpoint btcwire.OutPoint, script []byte, amount int64) error {
	return w.InsertUTXOs([]chain.PartialUTXO{
		{Outpoint: outpoint, Script: script, Amount: amount},
	})
}

func testMaster(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := []byte("signer-package-test-seed-0123456")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("hdkeychain.NewMaster: %v", err)
	}
	return master
}

func TestNewRejectsPublicKey(t *testing.T) {
	master := testMaster(t)
	pub, err := master.Neuter()
	if err != nil {
		t.Fatalf("Neuter: %v", err)
	}
	if _, err := New(pub, "regtest"); err == nil {
		t.Fatal("expected New to reject a non-private extended key")
	}
}

func TestDeriveAccountMatchesWalletAccountPath(t *testing.T) {
	s, err := New(testMaster(t), "regtest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	accountXpub, fingerprint, path, err := s.DeriveAccount()
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}
	if accountXpub.IsPrivate() {
		t.Fatal("DeriveAccount must return a neutered (public) key")
	}
	if fingerprint == 0 {
		t.Fatal("expected a non-zero master fingerprint")
	}

	want := wallet.AccountPath()
	if len(path) != len(want) {
		t.Fatalf("account path length = %d, want %d", len(path), len(want))
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("account path[%d] = %d, want %d", i, path[i], want[i])
		}
	}
}

func TestDeriveAccountDeterministic(t *testing.T) {
	s, err := New(testMaster(t), "regtest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _, _, err := s.DeriveAccount()
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}
	b, _, _, err := s.DeriveAccount()
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}
	if a.String() != b.String() {
		t.Fatal("DeriveAccount is not deterministic")
	}
}

func TestSignPSBTEndToEndWithWallet(t *testing.T) {
	s, err := New(testMaster(t), "regtest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	accountXpub, fingerprint, _, err := s.DeriveAccount()
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}

	w, err := wallet.New(accountXpub, "regtest", fingerprint)
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}

	addr, err := w.GetReceiveAddress()
	if err != nil {
		t.Fatalf("GetReceiveAddress: %v", err)
	}
	_ = addr

	pubkeys := w.Pubkeys()
	if len(pubkeys) != 1 {
		t.Fatalf("expected exactly one registered script, got %d", len(pubkeys))
	}

	fundingOutpoint := outpointForTest()
	if err := creditWallet(w, fundingOutpoint, pubkeys[0], 100_000); err != nil {
		t.Fatalf("credit wallet: %v", err)
	}

	recipientScript := make([]byte, 22)
	recipientScript[0], recipientScript[1] = 0x00, 0x14

	psbtBytes, err := w.CreateTransaction(recipientScript, 40_000, 2)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	signedPSBT, err := s.SignPSBT(psbtBytes)
	if err != nil {
		t.Fatalf("SignPSBT: %v", err)
	}

	rawTx, err := wallet.FinalizeTransaction(signedPSBT)
	if err != nil {
		t.Fatalf("FinalizeTransaction: %v", err)
	}
	if len(rawTx) == 0 {
		t.Fatal("expected non-empty raw transaction bytes")
	}
}

func TestStateRoundTrip(t *testing.T) {
	s, err := New(testMaster(t), "regtest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blob, err := s.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	restored, err := FromState(blob)
	if err != nil {
		t.Fatalf("FromState: %v", err)
	}
	_, fp1, _, err := s.DeriveAccount()
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}
	_, fp2, _, err := restored.DeriveAccount()
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}
	if fp1 != fp2 {
		t.Fatal("restored signer derives a different master fingerprint")
	}
}

func TestFromStateRejectsBadVersion(t *testing.T) {
	if _, err := FromState([]byte{0xff}); err != ErrBadState {
		t.Fatalf("FromState = %v, want ErrBadState", err)
	}
}
