package chainwallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/brewgator/msig-coordinator/internal/store"
)

// receiveBranch and changeBranch mirror the BIP-32 external/internal
// chain convention internal/walletcore composes descriptors with.
const (
	receiveBranch = 0
	changeBranch  = 1
)

// dustLimit is the minimum value, in satoshis, a change output must
// carry to be worth adding rather than folded into the fee.
const dustLimit = 546

// Per-item virtual-byte costs used to estimate a sortedmulti() P2WSH
// transaction's fee at a constant sat/vB rate. Deliberately generous for
// a multisig witness script carrying a handful of signatures.
const (
	txOverheadVBytes    = 11
	txInputVBytesP2WSH  = 110
	txOutputVBytesP2WSH = 43
)

// BuildPsbtParams bundles everything BuildPsbt needs to assemble a spend
// from a wallet's receive and change chains.
type BuildPsbtParams struct {
	ReceiveDescriptor string
	ChangeDescriptor  string
	AddressType       store.AddressType
	ReceiveGapLimit   int64
	ChangeGapLimit    int64
	NextChangeIndex   int64
	RecipientAddress  string
	AmountSats        int64
	FeeRateSatPerVB   int64
}

// BuiltPsbt is the result of BuildPsbt.
type BuiltPsbt struct {
	Packet          *psbt.Packet
	UsedChangeIndex bool
}

// BuildPsbt selects UTXOs from the wallet's receive and change chains
// (unconfirmed ones included; every listunspent entry is a candidate),
// pays AmountSats to RecipientAddress, and returns any change above
// dustLimit to a fresh change address. Every input signals RBF via a
// non-final sequence number.
func (h *Handle) BuildPsbt(ctx context.Context, p BuildPsbtParams) (*BuiltPsbt, error) {
	if p.FeeRateSatPerVB <= 0 {
		p.FeeRateSatPerVB = 1
	}
	if p.AmountSats < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}

	receiveUTXOs, err := h.ListSpendable(ctx, p.ReceiveDescriptor, p.AddressType, p.ReceiveGapLimit)
	if err != nil {
		return nil, fmt.Errorf("scan receive utxos: %w", err)
	}
	changeUTXOs, err := h.ListSpendable(ctx, p.ChangeDescriptor, p.AddressType, p.ChangeGapLimit)
	if err != nil {
		return nil, fmt.Errorf("scan change utxos: %w", err)
	}
	candidates := append(receiveUTXOs, changeUTXOs...)

	recipientAddr, err := btcutil.DecodeAddress(p.RecipientAddress, h.params)
	if err != nil {
		return nil, fmt.Errorf("decode recipient address: %w", err)
	}
	recipientScript, err := txscript.PayToAddrScript(recipientAddr)
	if err != nil {
		return nil, fmt.Errorf("build recipient script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(p.AmountSats, recipientScript))

	estFee := func(nInputs, nOutputs int) int64 {
		return int64(txOverheadVBytes+nInputs*txInputVBytesP2WSH+nOutputs*txOutputVBytesP2WSH) * p.FeeRateSatPerVB
	}

	var selected []SpendableUTXO
	var totalIn int64
	for _, u := range candidates {
		if totalIn >= p.AmountSats+estFee(len(selected), 2) {
			break
		}
		selected = append(selected, u)
		totalIn += u.Value
	}
	if totalIn < p.AmountSats+estFee(len(selected), 1) {
		return nil, fmt.Errorf("insufficient spendable balance: have %d, need at least %d", totalIn, p.AmountSats+estFee(len(selected), 1))
	}

	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxHash)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid %q: %w", u.TxHash, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(hash, uint32(u.TxPos)), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // RBF-signaling, per BIP-125
		tx.AddTxIn(txIn)
	}

	usedChangeIndex := false
	if change := totalIn - p.AmountSats - estFee(len(selected), 2); change > dustLimit {
		changeOut, err := h.Derive(p.ChangeDescriptor, p.AddressType, uint32(p.NextChangeIndex))
		if err != nil {
			return nil, fmt.Errorf("derive change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(change, changeOut.PkScript))
		usedChangeIndex = true
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("wrap unsigned tx: %w", err)
	}

	for i, u := range selected {
		if p.AddressType == store.AddressTypeP2SH {
			rawHex, err := h.client.GetTransaction(ctx, u.TxHash)
			if err != nil {
				return nil, fmt.Errorf("fetch prevout tx %s: %w", u.TxHash, err)
			}
			raw, err := hex.DecodeString(rawHex)
			if err != nil {
				return nil, fmt.Errorf("decode prevout tx %s: %w", u.TxHash, err)
			}
			var prevTx wire.MsgTx
			if err := prevTx.Deserialize(bytes.NewReader(raw)); err != nil {
				return nil, fmt.Errorf("parse prevout tx %s: %w", u.TxHash, err)
			}
			packet.Inputs[i].NonWitnessUtxo = &prevTx
			packet.Inputs[i].RedeemScript = u.Output.RedeemScript
			continue
		}
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{Value: u.Value, PkScript: u.Output.PkScript}
		packet.Inputs[i].WitnessScript = u.Output.RedeemScript
	}

	return &BuiltPsbt{Packet: packet, UsedChangeIndex: usedChangeIndex}, nil
}

// SignMultisig signs every packet input this service's internal xprv can
// contribute a signature to, scanning the receive (branch 0) and change
// (branch 1) chains up to gapLimit for a child key that appears in the
// input's redeem/witness script. An input whose script already carries a
// partial signature from the matched pubkey is left untouched, making a
// repeat call a no-op on that input.
func (h *Handle) SignMultisig(packet *psbt.Packet, xprv string, gapLimit int64) (int, error) {
	master, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return 0, fmt.Errorf("parse internal xprv: %w", err)
	}
	if gapLimit <= 0 {
		gapLimit = 100
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for i, in := range packet.Inputs {
		if in.WitnessUtxo != nil {
			prevOuts[packet.UnsignedTx.TxIn[i].PreviousOutPoint] = in.WitnessUtxo
		}
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	var signed int
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		script := in.WitnessScript
		if script == nil {
			script = in.RedeemScript
		}
		if script == nil {
			continue
		}

		candidates := extractPubKeysFromScript(script)
		if len(candidates) == 0 {
			continue
		}

		privKey, pubKey, found := findMatchingKey(master, candidates, gapLimit)
		if !found {
			continue
		}
		if hasPartialSig(in.PartialSigs, pubKey) {
			continue
		}

		var sig []byte
		switch {
		case in.WitnessUtxo != nil:
			sig, err = txscript.RawTxInWitnessSignature(
				packet.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value, script, txscript.SigHashAll, privKey)
		case in.NonWitnessUtxo != nil:
			sig, err = txscript.RawTxInSignature(packet.UnsignedTx, i, script, txscript.SigHashAll, privKey)
		default:
			continue
		}
		if err != nil {
			return signed, fmt.Errorf("sign input %d: %w", i, err)
		}

		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{PubKey: pubKey, Signature: sig})
		signed++
	}
	return signed, nil
}

// findMatchingKey scans the receive and change chains for a child key of
// master whose compressed pubkey appears in candidates.
func findMatchingKey(master *hdkeychain.ExtendedKey, candidates [][]byte, gapLimit int64) (*btcec.PrivateKey, []byte, bool) {
	for _, branch := range []uint32{receiveBranch, changeBranch} {
		branchKey, err := master.Derive(branch)
		if err != nil {
			continue
		}
		for idx := int64(0); idx < gapLimit; idx++ {
			childKey, err := branchKey.Derive(uint32(idx))
			if err != nil {
				continue
			}
			pubKey, err := childKey.ECPubKey()
			if err != nil {
				continue
			}
			compressed := pubKey.SerializeCompressed()
			for _, candidate := range candidates {
				if bytes.Equal(compressed, candidate) {
					privKey, err := childKey.ECPrivKey()
					if err != nil {
						return nil, nil, false
					}
					return privKey, compressed, true
				}
			}
		}
	}
	return nil, nil, false
}

// extractPubKeysFromScript scans a multisig redeem/witness script for
// compressed-pubkey data pushes.
func extractPubKeysFromScript(script []byte) [][]byte {
	var pubKeys [][]byte
	for i := 0; i < len(script); {
		opcode := script[i]
		i++
		if opcode == 0x21 && i+33 <= len(script) {
			pubKey := script[i : i+33]
			if pubKey[0] == 0x02 || pubKey[0] == 0x03 {
				pubKeys = append(pubKeys, pubKey)
			}
			i += 33
		} else if opcode >= 0x01 && opcode <= 0x4b {
			i += int(opcode)
		}
	}
	return pubKeys
}

func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, s := range sigs {
		if bytes.Equal(s.PubKey, pubKey) {
			return true
		}
	}
	return false
}
