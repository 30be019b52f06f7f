package walletcore

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"github.com/brewgator/msig-coordinator/internal/store"
)

// Cosigner is one participant in a wallet's signing quorum. An Internal
// cosigner is generated by this service and holds the only private key
// material it ever touches; an External cosigner only ever contributes
// an email address and an extended public key.
type Cosigner struct {
	Record   store.Cosigner
	mnemonic string
	xprv     string
}

// NewInternalCosigner generates a fresh 24-word BIP-39 English mnemonic
// from the system CSPRNG and derives the master extended key this
// service will sign PSBT inputs with.
func NewInternalCosigner(network store.Network) (*Cosigner, error) {
	switch network {
	case store.NetworkRegtest, store.NetworkTestnet, store.NetworkSignet, store.NetworkMainnet:
	default:
		return nil, invalidArgument("unsupported network %d", network)
	}

	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, internal(fmt.Errorf("generate entropy: %w", err))
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, internal(fmt.Errorf("generate mnemonic: %w", err))
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, internal(fmt.Errorf("derive seed: %w", err))
	}

	master, err := hdkeychain.NewMaster(seed, chainParams(int16(network)))
	if err != nil {
		return nil, internal(fmt.Errorf("derive master key: %w", err))
	}

	neutered, err := master.Neuter()
	if err != nil {
		return nil, internal(fmt.Errorf("neuter master key: %w", err))
	}

	return &Cosigner{
		Record: store.Cosigner{
			UUID: uuid.NewString(),
			Kind: store.CosignerInternal,
			Xpub: neutered.String(),
		},
		mnemonic: mnemonic,
		xprv:     master.String(),
	}, nil
}

// NewExternalCosigner registers an already-generated extended public key
// belonging to some other party. xpub must parse as a valid, non-private
// extended key.
func NewExternalCosigner(email, xpub string) (*Cosigner, error) {
	if email == "" {
		return nil, invalidArgument("email address is required")
	}
	if xpub == "" {
		return nil, invalidArgument("xpub is required")
	}

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, invalidArgument("xpub does not parse: %v", err)
	}
	if key.IsPrivate() {
		return nil, invalidArgument("expected an extended public key, got a private key")
	}

	return &Cosigner{
		Record: store.Cosigner{
			UUID:  uuid.NewString(),
			Kind:  store.CosignerExternal,
			Email: email,
			Xpub:  xpub,
		},
	}, nil
}

// Mnemonic returns the 24-word recovery phrase of an Internal cosigner,
// whether freshly generated or reloaded from the store's xprv table.
// Empty for External cosigners.
func (c *Cosigner) Mnemonic() string { return c.mnemonic }

// Xprv returns the master extended private key of an Internal cosigner,
// whether freshly generated or reloaded. Empty for External cosigners.
func (c *Cosigner) Xprv() string { return c.xprv }

// SetWallet binds the cosigner to its owning wallet. The linkage is
// settable exactly once. Wallet.Save calls this on the first save only,
// and a second call fails rather than silently rebinding.
func (c *Cosigner) SetWallet(walletUUID string) error {
	if c.Record.WalletUUID != "" {
		return alreadyBound("cosigner %q is already bound to wallet %q", c.Record.UUID, c.Record.WalletUUID)
	}
	c.Record.WalletUUID = walletUUID
	return nil
}

// Save persists the cosigner row (and its xprv row, for an Internal
// cosigner holding freshly-generated key material).
func (c *Cosigner) Save(s *store.Store) error {
	if err := s.UpsertCosigner(&c.Record); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return alreadyBound("a cosigner with uuid %q already exists", c.Record.UUID)
		}
		return notSaved(err)
	}

	if c.xprv != "" {
		if err := s.UpsertXprv(&store.Xprv{
			CosignerID: c.Record.ID,
			Mnemonic:   c.mnemonic,
			Xprv:       c.xprv,
		}); err != nil {
			return notSaved(err)
		}
	}
	return nil
}

// GetCosigner loads a single cosigner by UUID.
func GetCosigner(s *store.Store, id string) (*Cosigner, error) {
	found, err := s.FindCosigners(store.CosignerFilter{UUID: id})
	if err != nil {
		return nil, internal(err)
	}
	if len(found) == 0 {
		return nil, notFound("no cosigner with uuid %q", id)
	}
	return hydrateCosigner(s, found[0])
}

// FindCosigners returns every cosigner matching f.
func FindCosigners(s *store.Store, f store.CosignerFilter) ([]*Cosigner, error) {
	found, err := s.FindCosigners(f)
	if err != nil {
		return nil, internal(err)
	}
	out := make([]*Cosigner, 0, len(found))
	for _, rec := range found {
		c, err := hydrateCosigner(s, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func hydrateCosigner(s *store.Store, rec store.Cosigner) (*Cosigner, error) {
	c := &Cosigner{Record: rec}
	if rec.Kind == store.CosignerInternal {
		xprv, err := s.GetXprvByCosignerID(rec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, internal(err)
		}
		if xprv != nil {
			c.mnemonic = xprv.Mnemonic
			c.xprv = xprv.Xprv
		}
	}
	return c, nil
}

// ForgetCosigner removes a cosigner that is not part of any wallet. A
// wallet's Internal cosigner must be removed through ForgetWallet, which
// tears down the whole quorum atomically; an External cosigner occupying
// a key-pool slot is refused so its wallets' quorums stay reconstructible.
func ForgetCosigner(s *store.Store, id string) error {
	c, err := GetCosigner(s, id)
	if err != nil {
		return err
	}
	if c.Record.WalletUUID != "" {
		return alreadyBound("cosigner %q is bound to wallet %q", id, c.Record.WalletUUID)
	}
	n, err := s.CountXpubSlotsByCosigner(c.Record.ID)
	if err != nil {
		return internal(err)
	}
	if n > 0 {
		return alreadyBound("cosigner %q is part of %d wallet key pool(s)", id, n)
	}
	if err := s.RemoveCosigner(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("no cosigner with uuid %q", id)
		}
		return internal(err)
	}
	return nil
}
