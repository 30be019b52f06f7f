package walletcore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/google/uuid"

	"github.com/brewgator/msig-coordinator/internal/store"
)

// Psbt wraps a parsed PSBT packet together with the wallet it was
// registered against. Data is never cached: Base64 always re-serializes
// from the live *psbt.Packet, so a signature or combine applied in-memory
// is immediately reflected.
type Psbt struct {
	Record     store.Psbt
	WalletUUID string
	Packet     *psbt.Packet
}

// NewPsbt wraps an already-built packet (typically produced by
// internal/chainwallet from a set of selected UTXOs) as a new,
// not-yet-persisted Psbt belonging to wallet.
func NewPsbt(walletUUID string, packet *psbt.Packet) *Psbt {
	return &Psbt{
		Record:     store.Psbt{UUID: uuid.NewString(), WalletUUID: walletUUID},
		WalletUUID: walletUUID,
		Packet:     packet,
	}
}

// NewPsbtFromBase64 parses an externally-produced PSBT (e.g. one a
// cosigner partially signed out of band) and associates it with wallet.
func NewPsbtFromBase64(walletUUID, data string) (*Psbt, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader([]byte(data)), true)
	if err != nil {
		return nil, invalidArgument("invalid PSBT: %v", err)
	}
	return &Psbt{
		Record:     store.Psbt{UUID: uuid.NewString(), WalletUUID: walletUUID},
		WalletUUID: walletUUID,
		Packet:     packet,
	}, nil
}

// Base64 serializes the live packet.
func (p *Psbt) Base64() (string, error) {
	var buf bytes.Buffer
	if err := p.Packet.Serialize(&buf); err != nil {
		return "", internal(fmt.Errorf("serialize psbt: %w", err))
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Save persists the packet's current base64 serialization.
func (p *Psbt) Save(s *store.Store) error {
	data, err := p.Base64()
	if err != nil {
		return err
	}
	p.Record.WalletUUID = p.WalletUUID
	p.Record.Data = data
	if err := s.UpsertPsbt(&p.Record); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return alreadyBound("a psbt with uuid %q already exists", p.Record.UUID)
		}
		return notSaved(err)
	}
	return nil
}

// GetPsbt loads a single PSBT by UUID.
func GetPsbt(s *store.Store, id string) (*Psbt, error) {
	found, err := s.FindPsbts(store.PsbtFilter{UUID: id})
	if err != nil {
		return nil, internal(err)
	}
	if len(found) == 0 {
		return nil, notFound("no psbt with uuid %q", id)
	}
	return hydratePsbt(found[0])
}

// FindPsbt returns every PSBT matching f.
func FindPsbt(s *store.Store, f store.PsbtFilter) ([]*Psbt, error) {
	found, err := s.FindPsbts(f)
	if err != nil {
		return nil, internal(err)
	}
	out := make([]*Psbt, 0, len(found))
	for _, rec := range found {
		p, err := hydratePsbt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func hydratePsbt(rec store.Psbt) (*Psbt, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader([]byte(rec.Data)), true)
	if err != nil {
		return nil, internal(fmt.Errorf("parse stored psbt %q: %w", rec.UUID, err))
	}
	return &Psbt{Record: rec, WalletUUID: rec.WalletUUID, Packet: packet}, nil
}

// ForgetPsbt removes a PSBT by UUID.
func ForgetPsbt(s *store.Store, id string) error {
	if err := s.RemovePsbt(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("no psbt with uuid %q", id)
		}
		return internal(err)
	}
	return nil
}

// sameUnsignedTx reports whether two packets share the same unsigned
// transaction, the baseline compatibility check before two PSBTs may be
// combined.
func sameUnsignedTx(a, b *psbt.Packet) bool {
	var bufA, bufB bytes.Buffer
	if err := a.UnsignedTx.Serialize(&bufA); err != nil {
		return false
	}
	if err := b.UnsignedTx.Serialize(&bufB); err != nil {
		return false
	}
	return bytes.Equal(bufA.Bytes(), bufB.Bytes())
}

// Combine merges other's partial signatures and per-input metadata into
// p in place, field-by-field, deduplicating partial signatures and
// BIP-32 derivations by pubkey the way the PSBT Combiner role is
// specified in BIP-174.
func (p *Psbt) Combine(other *Psbt) error {
	if !sameUnsignedTx(p.Packet, other.Packet) {
		return incompatible("psbts do not share the same unsigned transaction")
	}
	if len(p.Packet.Inputs) != len(other.Packet.Inputs) {
		return incompatible("psbts have a different number of inputs")
	}
	if len(p.Packet.Outputs) != len(other.Packet.Outputs) {
		return incompatible("psbts have a different number of outputs")
	}

	for i := range p.Packet.Inputs {
		dst := &p.Packet.Inputs[i]
		src := other.Packet.Inputs[i]

		if dst.WitnessUtxo == nil {
			dst.WitnessUtxo = src.WitnessUtxo
		}
		if dst.NonWitnessUtxo == nil {
			dst.NonWitnessUtxo = src.NonWitnessUtxo
		}
		if dst.RedeemScript == nil {
			dst.RedeemScript = src.RedeemScript
		}
		if dst.WitnessScript == nil {
			dst.WitnessScript = src.WitnessScript
		}

		for _, sig := range src.PartialSigs {
			if !hasPartialSig(dst.PartialSigs, sig.PubKey) {
				dst.PartialSigs = append(dst.PartialSigs, sig)
			}
		}
		for _, deriv := range src.Bip32Derivation {
			if !hasBip32Derivation(dst.Bip32Derivation, deriv.PubKey) {
				dst.Bip32Derivation = append(dst.Bip32Derivation, deriv)
			}
		}
	}
	return nil
}

func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, s := range sigs {
		if bytes.Equal(s.PubKey, pubKey) {
			return true
		}
	}
	return false
}

func hasBip32Derivation(derivs []*psbt.Bip32Derivation, pubKey []byte) bool {
	for _, d := range derivs {
		if bytes.Equal(d.PubKey, pubKey) {
			return true
		}
	}
	return false
}

// IsComplete reports whether every input has a final script, i.e. the
// PSBT carries enough signatures to extract a broadcastable transaction.
func (p *Psbt) IsComplete() bool {
	return p.Packet.IsComplete()
}

// Finalize attempts to finalize every input and extract the fully-signed
// transaction.
func (p *Psbt) Finalize() ([]byte, error) {
	for i := range p.Packet.Inputs {
		if p.Packet.Inputs[i].FinalScriptSig != nil || p.Packet.Inputs[i].FinalScriptWitness != nil {
			continue
		}
		if err := psbt.Finalize(p.Packet, i); err != nil {
			return nil, incompatible("finalize input %d: %v", i, err)
		}
	}

	tx, err := psbt.Extract(p.Packet)
	if err != nil {
		return nil, incompatible("extract final transaction: %v", err)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, internal(fmt.Errorf("serialize final transaction: %w", err))
	}
	return buf.Bytes(), nil
}
