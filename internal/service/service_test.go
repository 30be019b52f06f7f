package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/brewgator/msig-coordinator/internal/store"
	"github.com/brewgator/msig-coordinator/internal/walletcore"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "walletcoordinator.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, "127.0.0.1:1"), s
}

// newSavedWallet provisions a wallet directly through the domain layer,
// skipping CreateWallet's chain-handle dial so these tests never need a
// live Electrum server.
func newSavedWallet(t *testing.T, s *store.Store) *walletcore.Wallet {
	t.Helper()
	c, err := walletcore.NewExternalCosigner("bob@example.com", testXpub)
	if err != nil {
		t.Fatalf("NewExternalCosigner() error = %v", err)
	}
	if err := c.Save(s); err != nil {
		t.Fatalf("Cosigner.Save() error = %v", err)
	}
	w, err := walletcore.NewWallet(s, store.AddressTypeP2WSH, store.NetworkTestnet, 2, []string{c.Record.UUID})
	if err != nil {
		t.Fatalf("NewWallet() error = %v", err)
	}
	if err := w.Save(s); err != nil {
		t.Fatalf("Wallet.Save() error = %v", err)
	}
	return w
}

func testPsbtBase64(t *testing.T, value int64) string {
	t.Helper()
	var prevHash chainhash.Hash
	prevHash[0] = 0x01

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51}))

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		t.Fatalf("psbt.NewFromUnsignedTx() error = %v", err)
	}
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

const testXpub = "xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz"

func TestAddressTypeWireRoundTrips(t *testing.T) {
	for _, want := range []store.AddressType{store.AddressTypeP2SH, store.AddressTypeP2WSH, store.AddressTypeP2SHWSH} {
		got, err := addressTypeFromWire(addressTypeToWire(want))
		if err != nil {
			t.Fatalf("addressTypeFromWire() error = %v", err)
		}
		if got != want {
			t.Errorf("round-trip got %v, want %v", got, want)
		}
	}
}

func TestAddressTypeFromWireRejectsUnknown(t *testing.T) {
	if _, err := addressTypeFromWire("p2pkh"); err == nil {
		t.Fatal("expected error for an unknown address type")
	}
}

func TestNetworkWireRoundTrips(t *testing.T) {
	for _, want := range []store.Network{store.NetworkRegtest, store.NetworkTestnet, store.NetworkSignet, store.NetworkMainnet} {
		got, err := networkFromWire(networkToWire(want))
		if err != nil {
			t.Fatalf("networkFromWire() error = %v", err)
		}
		if got != want {
			t.Errorf("round-trip got %v, want %v", got, want)
		}
	}
}

func TestNetworkFromWireRejectsUnknown(t *testing.T) {
	if _, err := networkFromWire("devnet"); err == nil {
		t.Fatal("expected error for an unknown network")
	}
}

func TestRegisterCosignerRejectsMalformedXpub(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.RegisterCosigner(RegisterCosignerRequest{Email: "bob@example.com", Xpub: "not-an-xpub"})
	if err == nil {
		t.Fatal("expected error for a malformed xpub")
	}
}

func TestRegisterCosignerAndFind(t *testing.T) {
	e, _ := newTestEngine(t)
	view, err := e.RegisterCosigner(RegisterCosignerRequest{Email: "bob@example.com", Xpub: testXpub})
	if err != nil {
		t.Fatalf("RegisterCosigner() error = %v", err)
	}
	if view.Internal {
		t.Error("expected a registered external cosigner to report Internal = false")
	}

	found, err := e.FindCosigner(FindCosignerRequest{Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("FindCosigner() error = %v", err)
	}
	if len(found) != 1 || found[0].UUID != view.UUID {
		t.Fatalf("FindCosigner() = %+v, want a single match for %s", found, view.UUID)
	}

	if err := e.ForgetCosigner(view.UUID); err != nil {
		t.Fatalf("ForgetCosigner() error = %v", err)
	}
	if _, err := e.GetCosigner(view.UUID); err == nil {
		t.Fatal("expected error loading a forgotten cosigner")
	}
}

func TestCreateWalletRejectsUnknownAddressType(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateWallet(nil, CreateWalletRequest{AddressType: "p2pkh", Network: "testnet", RequiredSignatures: 1})
	if err == nil {
		t.Fatal("expected error for an unknown address type")
	}
}

func TestCreateWalletRejectsUnknownNetwork(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateWallet(nil, CreateWalletRequest{AddressType: "wsh", Network: "devnet", RequiredSignatures: 1})
	if err == nil {
		t.Fatal("expected error for an unknown network")
	}
}

func TestRegisterPsbtRoundTrip(t *testing.T) {
	e, s := newTestEngine(t)
	w := newSavedWallet(t, s)
	b64 := testPsbtBase64(t, 5000)

	view, err := e.RegisterPsbt(RegisterPsbtRequest{WalletUUID: w.Record.UUID, Base64: b64})
	if err != nil {
		t.Fatalf("RegisterPsbt() error = %v", err)
	}
	if view.Base64 != b64 {
		t.Error("registered psbt base64 differs from the input")
	}

	got, err := e.GetPsbt(view.UUID)
	if err != nil {
		t.Fatalf("GetPsbt() error = %v", err)
	}
	if got.Base64 != b64 {
		t.Error("fetched psbt base64 differs from the registered form")
	}

	if err := e.ForgetPsbt(view.UUID); err != nil {
		t.Fatalf("ForgetPsbt() error = %v", err)
	}
	if _, err := e.GetPsbt(view.UUID); err == nil {
		t.Fatal("expected error loading a forgotten psbt")
	}
}

func TestRegisterPsbtRejectsMalformedBase64(t *testing.T) {
	e, s := newTestEngine(t)
	w := newSavedWallet(t, s)

	if _, err := e.RegisterPsbt(RegisterPsbtRequest{WalletUUID: w.Record.UUID, Base64: "not-a-psbt"}); err == nil {
		t.Fatal("expected error registering a malformed psbt")
	}
}

func TestCombineWithUnrelatedPsbtFails(t *testing.T) {
	e, s := newTestEngine(t)
	w := newSavedWallet(t, s)

	view, err := e.RegisterPsbt(RegisterPsbtRequest{WalletUUID: w.Record.UUID, Base64: testPsbtBase64(t, 5000)})
	if err != nil {
		t.Fatalf("RegisterPsbt() error = %v", err)
	}

	_, err = e.CombineWithOtherPsbt(CombinePsbtRequest{PsbtUUID: view.UUID, Base64: testPsbtBase64(t, 6000)})
	if err == nil {
		t.Fatal("expected error combining psbts with different unsigned transactions")
	}
	var werr *walletcore.Error
	if !errors.As(err, &werr) || werr.Code != walletcore.CodeIncompatible {
		t.Errorf("error = %v, want CodeIncompatible", err)
	}
}

func TestFindPsbtByWallet(t *testing.T) {
	e, s := newTestEngine(t)
	w := newSavedWallet(t, s)

	if _, err := e.RegisterPsbt(RegisterPsbtRequest{WalletUUID: w.Record.UUID, Base64: testPsbtBase64(t, 5000)}); err != nil {
		t.Fatalf("RegisterPsbt() error = %v", err)
	}
	if _, err := e.RegisterPsbt(RegisterPsbtRequest{WalletUUID: w.Record.UUID, Base64: testPsbtBase64(t, 6000)}); err != nil {
		t.Fatalf("RegisterPsbt() error = %v", err)
	}

	found, err := e.FindPsbt(w.Record.UUID)
	if err != nil {
		t.Fatalf("FindPsbt() error = %v", err)
	}
	if len(found) != 2 {
		t.Errorf("FindPsbt() returned %d psbts, want 2", len(found))
	}
}

func TestForgetWalletLeavesExternalCosigners(t *testing.T) {
	e, s := newTestEngine(t)
	w := newSavedWallet(t, s)
	externalUUID := w.External[0].Record.UUID

	if _, err := e.RegisterPsbt(RegisterPsbtRequest{WalletUUID: w.Record.UUID, Base64: testPsbtBase64(t, 5000)}); err != nil {
		t.Fatalf("RegisterPsbt() error = %v", err)
	}

	if err := e.ForgetWallet(w.Record.UUID); err != nil {
		t.Fatalf("ForgetWallet() error = %v", err)
	}
	if psbts, _ := e.FindPsbt(w.Record.UUID); len(psbts) != 0 {
		t.Errorf("expected psbts removed with the wallet, found %d", len(psbts))
	}
	if bound, _ := e.FindCosigner(FindCosignerRequest{WalletUUID: w.Record.UUID}); len(bound) != 0 {
		t.Errorf("expected no cosigners still bound to the removed wallet, found %d", len(bound))
	}
	if _, err := e.GetCosigner(externalUUID); err != nil {
		t.Errorf("expected the external cosigner to survive wallet removal, got %v", err)
	}
}
