package chainwallet

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func testMasterKey(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := bytes.Repeat([]byte{0x07}, 32)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("hdkeychain.NewMaster() error = %v", err)
	}
	return master
}

func TestExtractPubKeysFromScriptFindsEveryCompressedKey(t *testing.T) {
	master := testMasterKey(t)
	branch, err := master.Derive(receiveBranch)
	if err != nil {
		t.Fatalf("Derive(branch) error = %v", err)
	}
	key1, err := branch.Derive(0)
	if err != nil {
		t.Fatalf("Derive(0) error = %v", err)
	}
	key2, err := branch.Derive(1)
	if err != nil {
		t.Fatalf("Derive(1) error = %v", err)
	}
	pub1, err := key1.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey() error = %v", err)
	}
	pub2, err := key2.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey() error = %v", err)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	builder.AddData(pub1.SerializeCompressed())
	builder.AddData(pub2.SerializeCompressed())
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	script, err := builder.Script()
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}

	found := extractPubKeysFromScript(script)
	if len(found) != 2 {
		t.Fatalf("got %d pubkeys, want 2", len(found))
	}
	if !bytes.Equal(found[0], pub1.SerializeCompressed()) {
		t.Error("first extracted pubkey does not match key1")
	}
	if !bytes.Equal(found[1], pub2.SerializeCompressed()) {
		t.Error("second extracted pubkey does not match key2")
	}
}

func TestFindMatchingKeyLocatesChildWithinGapLimit(t *testing.T) {
	master := testMasterKey(t)
	branch, err := master.Derive(changeBranch)
	if err != nil {
		t.Fatalf("Derive(branch) error = %v", err)
	}
	target, err := branch.Derive(5)
	if err != nil {
		t.Fatalf("Derive(5) error = %v", err)
	}
	targetPub, err := target.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey() error = %v", err)
	}

	_, pubKey, found := findMatchingKey(master, [][]byte{targetPub.SerializeCompressed()}, 20)
	if !found {
		t.Fatal("expected to find the key within the gap limit")
	}
	if !bytes.Equal(pubKey, targetPub.SerializeCompressed()) {
		t.Error("returned pubkey does not match the target child key")
	}
}

func TestFindMatchingKeyMissesBeyondGapLimit(t *testing.T) {
	master := testMasterKey(t)
	branch, err := master.Derive(receiveBranch)
	if err != nil {
		t.Fatalf("Derive(branch) error = %v", err)
	}
	target, err := branch.Derive(25)
	if err != nil {
		t.Fatalf("Derive(25) error = %v", err)
	}
	targetPub, err := target.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey() error = %v", err)
	}

	_, _, found := findMatchingKey(master, [][]byte{targetPub.SerializeCompressed()}, 20)
	if found {
		t.Fatal("expected the key beyond the gap limit to be missed")
	}
}

func TestHasPartialSigDedupesByPubKey(t *testing.T) {
	pubKey := []byte{0x02, 0x01, 0x02, 0x03}
	if hasPartialSig(nil, pubKey) {
		t.Fatal("expected no match against an empty set")
	}
	sigs := []*psbt.PartialSig{{PubKey: []byte{0x02, 0x01, 0x02, 0x03}, Signature: []byte{0x30}}}
	if !hasPartialSig(sigs, pubKey) {
		t.Fatal("expected a match for a signature carrying the same pubkey")
	}
	if hasPartialSig(sigs, []byte{0x03, 0x01, 0x02, 0x03}) {
		t.Fatal("expected no match for a different pubkey")
	}
}
