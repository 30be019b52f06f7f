package chainwallet

import "testing"

func TestParseMultisigDescriptorRoundTripsWshSortedmulti(t *testing.T) {
	descriptor := "wsh(sortedmulti(2,tpubAAA/0/*,tpubBBB/0/*))#abcd1234"

	parsed, err := parseMultisigDescriptor(descriptor)
	if err != nil {
		t.Fatalf("parseMultisigDescriptor() error = %v", err)
	}
	if parsed.requiredSigs != 2 {
		t.Errorf("requiredSigs = %d, want 2", parsed.requiredSigs)
	}
	if len(parsed.keyExprs) != 2 {
		t.Fatalf("got %d key expressions, want 2", len(parsed.keyExprs))
	}
	if parsed.keyExprs[0].xpub != "tpubAAA" || parsed.keyExprs[0].branch != 0 {
		t.Errorf("unexpected first key expression: %+v", parsed.keyExprs[0])
	}
}

func TestParseMultisigDescriptorRejectsUnsupportedShape(t *testing.T) {
	if _, err := parseMultisigDescriptor("pkh(tpubAAA/0/*)"); err == nil {
		t.Fatal("expected error for a non-sortedmulti descriptor")
	}
}

func TestParseMultisigDescriptorRejectsMalformedKeyExpression(t *testing.T) {
	if _, err := parseMultisigDescriptor("wsh(sortedmulti(2,tpubAAA,tpubBBB/0/*))"); err == nil {
		t.Fatal("expected error for a key expression missing /branch/*")
	}
}
