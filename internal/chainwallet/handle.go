// Package chainwallet is the only code in this repository that talks to
// the Bitcoin network. It compiles the sortedmulti() descriptors
// internal/walletcore composes into addresses and scripts, answers
// balance/UTXO queries against a configured Electrum server, and
// builds/signs PSBTs.
package chainwallet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/brewgator/msig-coordinator/internal/chainwallet/electrum"
	"github.com/brewgator/msig-coordinator/internal/store"
)

// Handle is a live connection to the configured Electrum server, scoped
// to one Bitcoin network.
type Handle struct {
	client *electrum.Client
	params *chaincfg.Params
}

// Open dials the Electrum endpoint and returns a Handle bound to network.
func Open(ctx context.Context, electrumAddr string, network store.Network) (*Handle, error) {
	client, err := electrum.Dial(ctx, electrumAddr)
	if err != nil {
		return nil, fmt.Errorf("dial electrum server: %w", err)
	}
	return &Handle{client: client, params: netParams(network)}, nil
}

func (h *Handle) Close() { h.client.Close() }

func netParams(network store.Network) *chaincfg.Params {
	switch network {
	case store.NetworkRegtest:
		return &chaincfg.RegressionNetParams
	case store.NetworkTestnet:
		return &chaincfg.TestNet3Params
	case store.NetworkSignet:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// DerivedOutput is one address derived from a descriptor at a given
// index: its address, the multisig redeem/witness script that spends it,
// and the sorted pubkeys that compose that script. SignMultisig does not
// read PubKeys; it extracts the pubkeys from each input's script.
type DerivedOutput struct {
	Address      btcutil.Address
	PkScript     []byte
	RedeemScript []byte
	PubKeys      []*btcec.PublicKey
}

// Derive compiles descriptor at the given child index into a spendable
// output: it parses out the key expressions, derives each one's child
// pubkey, sorts them, and builds the P2SH/P2WSH/P2SH-P2WSH address and
// redeem script that matches the requested address type.
func (h *Handle) Derive(descriptor string, addrType store.AddressType, index uint32) (*DerivedOutput, error) {
	parsed, err := parseMultisigDescriptor(descriptor)
	if err != nil {
		return nil, err
	}

	pubKeys := make([]*btcec.PublicKey, len(parsed.keyExprs))
	for i, expr := range parsed.keyExprs {
		master, err := hdkeychain.NewKeyFromString(expr.xpub)
		if err != nil {
			return nil, fmt.Errorf("parse key %d: %w", i, err)
		}
		branchKey, err := master.Derive(expr.branch)
		if err != nil {
			return nil, fmt.Errorf("derive branch for key %d: %w", i, err)
		}
		childKey, err := branchKey.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive index %d for key %d: %w", index, i, err)
		}
		pubKey, err := childKey.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("extract public key %d: %w", i, err)
		}
		pubKeys[i] = pubKey
	}

	// sortedmulti(): the child pubkeys are sorted lexicographically at
	// every derivation index, not once at descriptor-composition time.
	sort.Slice(pubKeys, func(i, j int) bool {
		return bytes.Compare(pubKeys[i].SerializeCompressed(), pubKeys[j].SerializeCompressed()) < 0
	})

	pubKeyAddrs := make([]*btcutil.AddressPubKey, len(pubKeys))
	for i, pubKey := range pubKeys {
		addr, err := btcutil.NewAddressPubKey(pubKey.SerializeCompressed(), h.params)
		if err != nil {
			return nil, fmt.Errorf("address from public key %d: %w", i, err)
		}
		pubKeyAddrs[i] = addr
	}

	redeemScript, err := txscript.MultiSigScript(pubKeyAddrs, parsed.requiredSigs)
	if err != nil {
		return nil, fmt.Errorf("build multisig script: %w", err)
	}

	out := &DerivedOutput{RedeemScript: redeemScript, PubKeys: pubKeys}

	switch addrType {
	case store.AddressTypeP2SH:
		addr, err := btcutil.NewAddressScriptHash(redeemScript, h.params)
		if err != nil {
			return nil, fmt.Errorf("build P2SH address: %w", err)
		}
		out.Address = addr

	case store.AddressTypeP2SHWSH:
		witnessHash := sha256.Sum256(redeemScript)
		witnessAddr, err := btcutil.NewAddressWitnessScriptHash(witnessHash[:], h.params)
		if err != nil {
			return nil, fmt.Errorf("build witness script hash: %w", err)
		}
		witnessScript, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return nil, fmt.Errorf("build witness script: %w", err)
		}
		addr, err := btcutil.NewAddressScriptHash(witnessScript, h.params)
		if err != nil {
			return nil, fmt.Errorf("build P2SH-P2WSH address: %w", err)
		}
		out.Address = addr

	default: // P2WSH
		witnessHash := sha256.Sum256(redeemScript)
		addr, err := btcutil.NewAddressWitnessScriptHash(witnessHash[:], h.params)
		if err != nil {
			return nil, fmt.Errorf("build P2WSH address: %w", err)
		}
		out.Address = addr
	}

	out.PkScript, err = txscript.PayToAddrScript(out.Address)
	if err != nil {
		return nil, fmt.Errorf("build pkScript: %w", err)
	}
	return out, nil
}

// Balance sums the confirmed balance, in satoshis, of every address
// derived from descriptor at indices [0, upToIndex): a gap-limited scan
// rather than a single next-address lookup.
func (h *Handle) Balance(ctx context.Context, descriptor string, addrType store.AddressType, upToIndex int64) (int64, error) {
	var total int64
	for i := int64(0); i < upToIndex; i++ {
		out, err := h.Derive(descriptor, addrType, uint32(i))
		if err != nil {
			return 0, err
		}
		balance, err := h.client.GetBalance(ctx, electrum.ScriptHash(out.PkScript))
		if err != nil {
			return 0, fmt.Errorf("get balance at index %d: %w", i, err)
		}
		total += balance.Confirmed
	}
	return total, nil
}

// SpendableUTXO is one unspent output this service can help co-sign,
// carrying everything a PSBT input needs: the prevout, its derivation
// index/branch, and the redeem/witness script that spends it.
type SpendableUTXO struct {
	electrum.UTXO
	Output *DerivedOutput
	Index  uint32
}

// ListSpendable scans descriptor across [0, upToIndex) and returns every
// UTXO found, for use as PSBT inputs.
func (h *Handle) ListSpendable(ctx context.Context, descriptor string, addrType store.AddressType, upToIndex int64) ([]SpendableUTXO, error) {
	var out []SpendableUTXO
	for i := int64(0); i < upToIndex; i++ {
		derived, err := h.Derive(descriptor, addrType, uint32(i))
		if err != nil {
			return nil, err
		}
		utxos, err := h.client.ListUnspent(ctx, electrum.ScriptHash(derived.PkScript))
		if err != nil {
			return nil, fmt.Errorf("list unspent at index %d: %w", i, err)
		}
		for _, u := range utxos {
			out = append(out, SpendableUTXO{UTXO: u, Output: derived, Index: uint32(i)})
		}
	}
	return out, nil
}

// Broadcast submits a fully-signed, serialized transaction.
func (h *Handle) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	return h.client.BroadcastTransaction(ctx, fmt.Sprintf("%x", rawTx))
}

// EstimateFeeRate returns the estimated fee, in satoshis per kilobyte, to
// confirm within the given number of blocks.
func (h *Handle) EstimateFeeRate(ctx context.Context, blocks int) (int64, error) {
	btcPerKvB, err := h.client.EstimateFee(ctx, blocks)
	if err != nil {
		return 0, err
	}
	if btcPerKvB <= 0 {
		return 1000, nil // 1 sat/vB floor when the server has no estimate yet
	}
	return int64(btcPerKvB * 1e8), nil
}
