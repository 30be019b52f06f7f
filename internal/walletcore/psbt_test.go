package walletcore

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/brewgator/msig-coordinator/internal/store"
)

// testPacket builds a minimal one-in one-out unsigned PSBT. value keys
// the unsigned transaction, so two packets with different values do not
// share an unsigned tx and must refuse to combine.
func testPacket(t *testing.T, value int64) *psbt.Packet {
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
	return packet
}

func newSavedTestWallet(t *testing.T, s *store.Store) *Wallet {
	t.Helper()
	bob := registerExternalCosigner(t, s, "bob@example.com", testXpub1)
	w, err := NewWallet(s, store.AddressTypeP2WSH, store.NetworkTestnet, 2, []string{bob.Record.UUID})
	if err != nil {
		t.Fatalf("NewWallet() error = %v", err)
	}
	if err := w.Save(s); err != nil {
		t.Fatalf("Wallet.Save() error = %v", err)
	}
	return w
}

func TestPsbtBase64RoundTripsThroughStore(t *testing.T) {
	s := newTestStore(t)
	w := newSavedTestWallet(t, s)

	p := NewPsbt(w.Record.UUID, testPacket(t, 5000))
	want, err := p.Base64()
	if err != nil {
		t.Fatalf("Base64() error = %v", err)
	}
	if err := p.Save(s); err != nil {
		t.Fatalf("Psbt.Save() error = %v", err)
	}

	loaded, err := GetPsbt(s, p.Record.UUID)
	if err != nil {
		t.Fatalf("GetPsbt() error = %v", err)
	}
	got, err := loaded.Base64()
	if err != nil {
		t.Fatalf("Base64() error = %v", err)
	}
	if got != want {
		t.Errorf("round-tripped base64 differs:\n%s\n%s", got, want)
	}

	if err := ForgetPsbt(s, p.Record.UUID); err != nil {
		t.Fatalf("ForgetPsbt() error = %v", err)
	}
	if _, err := GetPsbt(s, p.Record.UUID); err == nil {
		t.Fatal("expected error loading a forgotten psbt")
	}
}

func TestImportPsbtRequiresSavedWallet(t *testing.T) {
	s := newTestStore(t)
	bob := registerExternalCosigner(t, s, "bob@example.com", testXpub1)
	w, err := NewWallet(s, store.AddressTypeP2WSH, store.NetworkTestnet, 2, []string{bob.Record.UUID})
	if err != nil {
		t.Fatalf("NewWallet() error = %v", err)
	}

	p := NewPsbt(w.Record.UUID, testPacket(t, 5000))
	if _, err := w.importPsbt(s, p); err == nil {
		t.Fatal("expected error importing a psbt into an unsaved wallet")
	}
}

func TestCreatePsbtRejectsWrongNetworkRecipient(t *testing.T) {
	s := newTestStore(t)
	w := newSavedTestWallet(t, s)

	// A mainnet address on a testnet wallet must be refused before any
	// chain interaction is attempted.
	_, err := w.CreatePsbt(context.Background(), s, "5000", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err == nil {
		t.Fatal("expected error for a mainnet recipient on a testnet wallet")
	}
	var werr *Error
	if !errors.As(err, &werr) || werr.Code != CodeInvalidArgument {
		t.Errorf("error = %v, want CodeInvalidArgument", err)
	}
}

func TestCreatePsbtRejectsMalformedRecipient(t *testing.T) {
	s := newTestStore(t)
	w := newSavedTestWallet(t, s)

	if _, err := w.CreatePsbt(context.Background(), s, "5000", "not-an-address"); err == nil {
		t.Fatal("expected error for a malformed recipient address")
	}
}

func TestCombineRejectsDifferentUnsignedTx(t *testing.T) {
	a := &Psbt{Packet: testPacket(t, 5000)}
	b := &Psbt{Packet: testPacket(t, 6000)}

	if err := a.Combine(b); err == nil {
		t.Fatal("expected error combining psbts with different unsigned transactions")
	}
}

func TestCombineMergesAndDedupesPartialSigs(t *testing.T) {
	a := &Psbt{Packet: testPacket(t, 5000)}
	b := &Psbt{Packet: testPacket(t, 5000)}

	sharedSig := &psbt.PartialSig{PubKey: []byte{0x02, 0xaa}, Signature: []byte{0x30, 0x01}}
	remoteSig := &psbt.PartialSig{PubKey: []byte{0x03, 0xbb}, Signature: []byte{0x30, 0x02}}
	a.Packet.Inputs[0].PartialSigs = []*psbt.PartialSig{sharedSig}
	b.Packet.Inputs[0].PartialSigs = []*psbt.PartialSig{sharedSig, remoteSig}

	if err := a.Combine(b); err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	if got := len(a.Packet.Inputs[0].PartialSigs); got != 2 {
		t.Errorf("got %d partial signatures after combine, want 2", got)
	}
}

func TestWalletCombinePsbtPersistsMergedForm(t *testing.T) {
	s := newTestStore(t)
	w := newSavedTestWallet(t, s)
	w.AttachHandle(nil)

	p, err := w.importPsbt(s, NewPsbt(w.Record.UUID, testPacket(t, 5000)))
	if err != nil {
		t.Fatalf("importPsbt() error = %v", err)
	}

	// The partial signature must survive a base64 round trip, so it carries
	// a real compressed pubkey and a DER signature plus sighash byte.
	remoteKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("btcec.NewPrivateKey() error = %v", err)
	}
	remoteSig := ecdsa.Sign(remoteKey, make([]byte, 32)).Serialize()
	other := NewPsbt(w.Record.UUID, testPacket(t, 5000))
	other.Packet.Inputs[0].PartialSigs = []*psbt.PartialSig{
		{PubKey: remoteKey.PubKey().SerializeCompressed(), Signature: append(remoteSig, 0x01)},
	}
	otherB64, err := other.Base64()
	if err != nil {
		t.Fatalf("Base64() error = %v", err)
	}

	merged, err := w.CombinePsbt(s, p.Record.UUID, otherB64)
	if err != nil {
		t.Fatalf("CombinePsbt() error = %v", err)
	}
	wantB64, err := merged.Base64()
	if err != nil {
		t.Fatalf("Base64() error = %v", err)
	}

	loaded, err := GetPsbt(s, p.Record.UUID)
	if err != nil {
		t.Fatalf("GetPsbt() error = %v", err)
	}
	gotB64, err := loaded.Base64()
	if err != nil {
		t.Fatalf("Base64() error = %v", err)
	}
	if gotB64 != wantB64 {
		t.Error("persisted psbt does not reflect the combined form")
	}
}

func TestWalletCascadeRemovesPsbts(t *testing.T) {
	s := newTestStore(t)
	w := newSavedTestWallet(t, s)
	w.AttachHandle(nil)

	for i := 0; i < 2; i++ {
		if _, err := w.importPsbt(s, NewPsbt(w.Record.UUID, testPacket(t, int64(5000+i)))); err != nil {
			t.Fatalf("importPsbt() #%d error = %v", i, err)
		}
	}

	if err := ForgetWallet(s, w.Record.UUID); err != nil {
		t.Fatalf("ForgetWallet() error = %v", err)
	}
	remaining, err := FindPsbt(s, store.PsbtFilter{WalletUUID: w.Record.UUID})
	if err != nil {
		t.Fatalf("FindPsbt() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected all psbts cascade-removed, found %d", len(remaining))
	}
}
