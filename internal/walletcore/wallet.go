package walletcore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/brewgator/msig-coordinator/internal/chainwallet"
	"github.com/brewgator/msig-coordinator/internal/store"
)

// receiveBranch and changeBranch are the two descriptor derivation
// branches a wallet exposes, mirroring BIP-32's external/internal chain
// convention (m/0/* for receive, m/1/* for change).
const (
	receiveBranch = 0
	changeBranch  = 1
)

// addressGapLimit bounds how far past the next-to-hand-out index this
// wallet scans its receive/change chains for spendable UTXOs or a
// signing key.
const addressGapLimit = 20

// Wallet is a fully-provisioned M-of-N multisig wallet: one Internal
// cosigner this service holds the key for, and one or more External
// cosigners contributing only a public key. Its receive/change
// descriptors are composed once at creation time and never change; only
// the derivation-index cursors and cached balance advance afterward.
type Wallet struct {
	Record   store.Wallet
	Internal *Cosigner
	External []*Cosigner

	handle *chainwallet.Handle
	psbts  map[string]*Psbt
}

// AttachHandle binds the chain-interaction collaborator this wallet
// derives addresses and signs through. internal/service owns the
// lifetime of the Handle (one Electrum connection per wallet) and calls
// this after NewWallet and GetWallet. Wallets returned by FindWallet get
// no handle attached.
func (w *Wallet) AttachHandle(h *chainwallet.Handle) {
	w.handle = h
	if w.psbts == nil {
		w.psbts = make(map[string]*Psbt)
	}
}

// keys returns every cosigner in the wallet's key pool: the Internal
// cosigner first, then External cosigners in registration order. This is
// the pool order recorded in the xpub slot table, not the descriptor
// order. composeDescriptor sorts by xpub so two wallets built from the
// same cosigners in a different order compose identical descriptors.
func (w *Wallet) keys() []*Cosigner {
	out := make([]*Cosigner, 0, 1+len(w.External))
	out = append(out, w.Internal)
	out = append(out, w.External...)
	return out
}

func descriptorKeyExpr(c *Cosigner, branch int, full bool) string {
	key := c.Record.Xpub
	if full && c.Record.Kind == store.CosignerInternal && c.xprv != "" {
		key = c.xprv
	}
	return fmt.Sprintf("%s/%d/*", key, branch)
}

func composeDescriptor(requiredSignatures int, keys []*Cosigner, branch int, full bool, addrType store.AddressType) string {
	// The full and watch-only renderings must list keys at the same
	// positions so one is a pure xprv-for-xpub substitution of the other,
	// which means both sort on the xpub even when the full form embeds the
	// xprv. sortedmulti() re-sorts the derived child keys at every address
	// index regardless; sorting here only pins the descriptor text.
	sorted := make([]*Cosigner, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Record.Xpub < sorted[j].Record.Xpub
	})

	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = descriptorKeyExpr(c, branch, full)
	}
	inner := fmt.Sprintf("sortedmulti(%d,%s)", requiredSignatures, strings.Join(parts, ","))
	return withChecksum(wrapDescriptor(int16(addrType), inner))
}

// NewWallet creates a wallet owning a freshly-generated Internal cosigner
// plus the given already-registered External cosigners, and compiles its
// receive/change descriptors (both the signing-capable "full" form and
// the xpub-only "watch only" form used for balance/address queries).
func NewWallet(s *store.Store, addrType store.AddressType, network store.Network, requiredSignatures int, externalUUIDs []string) (*Wallet, error) {
	if requiredSignatures < 1 {
		return nil, invalidArgument("required_signatures must be at least 1")
	}
	if len(externalUUIDs) == 0 {
		return nil, invalidArgument("at least one external cosigner is required")
	}
	totalKeys := 1 + len(externalUUIDs)
	if requiredSignatures > totalKeys {
		return nil, invalidArgument("required_signatures (%d) exceeds total signers (%d)", requiredSignatures, totalKeys)
	}
	switch addrType {
	case store.AddressTypeP2SH, store.AddressTypeP2WSH, store.AddressTypeP2SHWSH:
	default:
		return nil, invalidArgument("unsupported address type %d", addrType)
	}
	switch network {
	case store.NetworkRegtest, store.NetworkTestnet, store.NetworkSignet, store.NetworkMainnet:
	default:
		return nil, invalidArgument("unsupported network %d", network)
	}

	external := make([]*Cosigner, 0, len(externalUUIDs))
	seen := make(map[string]bool, len(externalUUIDs))
	for _, id := range externalUUIDs {
		if seen[id] {
			return nil, invalidArgument("cosigner %q listed more than once", id)
		}
		seen[id] = true

		c, err := GetCosigner(s, id)
		if err != nil {
			return nil, err
		}
		if c.Record.Kind != store.CosignerExternal {
			return nil, invalidArgument("cosigner %q is not an external cosigner", id)
		}
		external = append(external, c)
	}

	internalCosigner, err := NewInternalCosigner(network)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		Record: store.Wallet{
			UUID:               uuid.NewString(),
			AddressType:        addrType,
			Network:            network,
			RequiredSignatures: requiredSignatures,
			Balance:            "0",
		},
		Internal: internalCosigner,
		External: external,
		psbts:    make(map[string]*Psbt),
	}

	keys := w.keys()
	w.Record.ReceiveDescriptor = composeDescriptor(requiredSignatures, keys, receiveBranch, true, addrType)
	w.Record.ReceiveDescriptorWatchOnly = composeDescriptor(requiredSignatures, keys, receiveBranch, false, addrType)
	w.Record.ChangeDescriptor = composeDescriptor(requiredSignatures, keys, changeBranch, true, addrType)
	w.Record.ChangeDescriptorWatchOnly = composeDescriptor(requiredSignatures, keys, changeBranch, false, addrType)

	return w, nil
}

// Save persists the wallet row, binds the Internal cosigner to it on the
// first save, and records the key pool's fixed ordering. External
// cosigners stay unbound; they participate through the xpub slot table
// and may belong to any number of wallets, so removing this wallet never
// touches them. Creation is not one atomic database transaction; the
// façade's single coarse mutex (internal/service.Engine) is what the
// concurrency model relies on to make this appear atomic to callers, not
// a multi-table SQL transaction.
func (w *Wallet) Save(s *store.Store) error {
	if err := s.UpsertWallet(&w.Record); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return alreadyBound("a wallet with uuid %q already exists", w.Record.UUID)
		}
		return notSaved(err)
	}

	if w.Internal.Record.WalletUUID == "" {
		if err := w.Internal.SetWallet(w.Record.UUID); err != nil {
			return err
		}
		if err := w.Internal.Save(s); err != nil {
			return err
		}
	}

	keys := w.keys()
	slots := make([]store.XpubSlot, len(keys))
	for i, c := range keys {
		slots[i] = store.XpubSlot{WalletID: w.Record.ID, CosignerID: c.Record.ID, KeyOrder: i}
	}
	if err := s.ReplaceXpubSlots(w.Record.ID, slots); err != nil {
		return notSaved(err)
	}
	return nil
}

// GetWallet loads a single wallet by UUID along with its full key pool.
func GetWallet(s *store.Store, id string) (*Wallet, error) {
	found, err := s.FindWallets(store.WalletFilter{UUID: id})
	if err != nil {
		return nil, internal(err)
	}
	if len(found) == 0 {
		return nil, notFound("no wallet with uuid %q", id)
	}
	return hydrateWallet(s, found[0])
}

// FindWallet returns every wallet matching f.
func FindWallet(s *store.Store, f store.WalletFilter) ([]*Wallet, error) {
	found, err := s.FindWallets(f)
	if err != nil {
		return nil, internal(err)
	}
	out := make([]*Wallet, 0, len(found))
	for _, rec := range found {
		w, err := hydrateWallet(s, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func hydrateWallet(s *store.Store, rec store.Wallet) (*Wallet, error) {
	slots, err := s.XpubSlotsByWallet(rec.ID)
	if err != nil {
		return nil, internal(err)
	}

	w := &Wallet{Record: rec}
	for _, slot := range slots {
		found, err := findCosignerByID(s, slot.CosignerID)
		if err != nil {
			return nil, err
		}
		c, err := hydrateCosigner(s, *found)
		if err != nil {
			return nil, err
		}
		if c.Record.Kind == store.CosignerInternal {
			w.Internal = c
		} else {
			w.External = append(w.External, c)
		}
	}

	psbtRecords, err := s.FindPsbts(store.PsbtFilter{WalletUUID: rec.UUID})
	if err != nil {
		return nil, internal(err)
	}
	w.psbts = make(map[string]*Psbt, len(psbtRecords))
	for _, rec := range psbtRecords {
		p, err := hydratePsbt(rec)
		if err != nil {
			return nil, err
		}
		w.psbts[p.Record.UUID] = p
	}
	return w, nil
}

func findCosignerByID(s *store.Store, id int64) (*store.Cosigner, error) {
	c, err := s.GetCosignerByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("no cosigner with internal id %d", id)
		}
		return nil, internal(err)
	}
	return c, nil
}

// ForgetWallet removes a wallet, its Internal cosigner (and key
// material), its key-pool slots, and every PSBT registered against it.
// External cosigners survive, since they may belong to other wallets.
func ForgetWallet(s *store.Store, id string) error {
	if err := s.RemoveWallet(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("no wallet with uuid %q", id)
		}
		return internal(err)
	}
	return nil
}

// AdvanceReceiveIndex saves the wallet with its receive index incremented
// by one and returns the index that was just handed out.
func (w *Wallet) AdvanceReceiveIndex(s *store.Store) (int64, error) {
	index := w.Record.ReceiveAddressIndex
	w.Record.ReceiveAddressIndex++
	if err := s.UpsertWallet(&w.Record); err != nil {
		return 0, notSaved(err)
	}
	return index, nil
}

// AdvanceChangeIndex saves the wallet with its change index incremented
// by one and returns the index that was just handed out.
func (w *Wallet) AdvanceChangeIndex(s *store.Store) (int64, error) {
	index := w.Record.ChangeAddressIndex
	w.Record.ChangeAddressIndex++
	if err := s.UpsertWallet(&w.Record); err != nil {
		return 0, notSaved(err)
	}
	return index, nil
}

// SetBalance persists an updated confirmed balance, stringified the way
// the store's schema expects.
func (w *Wallet) SetBalance(s *store.Store, satoshis int64) error {
	w.Record.Balance = strconv.FormatInt(satoshis, 10)
	if err := s.UpsertWallet(&w.Record); err != nil {
		return notSaved(err)
	}
	return nil
}

func (w *Wallet) gapLimit(index int64) int64 {
	limit := index + addressGapLimit
	if limit < 1 {
		limit = 1
	}
	return limit
}

// NewReceiveAddress increments the receive index, persists it, and
// returns the address derived at the newly-issued index.
func (w *Wallet) NewReceiveAddress(s *store.Store) (string, error) {
	if w.handle == nil {
		return "", internal(fmt.Errorf("wallet %q has no attached chain handle", w.Record.UUID))
	}
	index, err := w.AdvanceReceiveIndex(s)
	if err != nil {
		return "", err
	}
	out, err := w.handle.Derive(w.Record.ReceiveDescriptorWatchOnly, w.Record.AddressType, uint32(index))
	if err != nil {
		return "", internal(fmt.Errorf("derive receive address at index %d: %w", index, err))
	}
	return out.Address.EncodeAddress(), nil
}

// NewChangeAddress is NewReceiveAddress's change-chain counterpart.
func (w *Wallet) NewChangeAddress(s *store.Store) (string, error) {
	if w.handle == nil {
		return "", internal(fmt.Errorf("wallet %q has no attached chain handle", w.Record.UUID))
	}
	index, err := w.AdvanceChangeIndex(s)
	if err != nil {
		return "", err
	}
	out, err := w.handle.Derive(w.Record.ChangeDescriptorWatchOnly, w.Record.AddressType, uint32(index))
	if err != nil {
		return "", internal(fmt.Errorf("derive change address at index %d: %w", index, err))
	}
	return out.Address.EncodeAddress(), nil
}

// Balance queries the chain handle for the confirmed sub-balance across
// the wallet's issued receive and change addresses (plus a gap-limited
// lookahead window), persists it, and returns it.
func (w *Wallet) Balance(ctx context.Context, s *store.Store) (int64, error) {
	if w.handle == nil {
		return 0, internal(fmt.Errorf("wallet %q has no attached chain handle", w.Record.UUID))
	}
	receiveBal, err := w.handle.Balance(ctx, w.Record.ReceiveDescriptorWatchOnly, w.Record.AddressType, w.gapLimit(w.Record.ReceiveAddressIndex))
	if err != nil {
		return 0, internal(fmt.Errorf("query receive chain balance: %w", err))
	}
	changeBal, err := w.handle.Balance(ctx, w.Record.ChangeDescriptorWatchOnly, w.Record.AddressType, w.gapLimit(w.Record.ChangeAddressIndex))
	if err != nil {
		return 0, internal(fmt.Errorf("query change chain balance: %w", err))
	}
	total := receiveBal + changeBal
	if err := w.SetBalance(s, total); err != nil {
		return 0, err
	}
	return total, nil
}

// parseAmountSats converts a decimal satoshi amount (e.g. "50000" or
// "50000.0") into a non-negative int64, rejecting any fractional
// remainder. Satoshis are the atomic unit, so the amount must already be
// a whole number.
func parseAmountSats(amount string) (int64, error) {
	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return 0, invalidArgument("amount %q is not a valid decimal", amount)
	}
	if r.Sign() < 0 {
		return 0, invalidArgument("amount %q must be non-negative", amount)
	}
	if !r.IsInt() {
		return 0, invalidArgument("amount %q is not a whole number of satoshis", amount)
	}
	i := r.Num()
	if !i.IsInt64() {
		return 0, invalidArgument("amount %q overflows a 64-bit satoshi amount", amount)
	}
	return i.Int64(), nil
}

// CreatePsbt builds a transaction paying amount satoshis to recipient
// from this wallet's spendable UTXOs, with RBF enabled and a constant
// 1 sat/vB fee rate, and registers the result the same way ImportPsbt
// does.
func (w *Wallet) CreatePsbt(ctx context.Context, s *store.Store, amount, recipient string) (*Psbt, error) {
	sats, err := parseAmountSats(amount)
	if err != nil {
		return nil, err
	}
	if _, err := btcutil.DecodeAddress(recipient, chainParams(int16(w.Record.Network))); err != nil {
		return nil, invalidArgument("recipient address %q is not valid for this network: %v", recipient, err)
	}
	if w.handle == nil {
		return nil, internal(fmt.Errorf("wallet %q has no attached chain handle", w.Record.UUID))
	}

	built, err := w.handle.BuildPsbt(ctx, chainwallet.BuildPsbtParams{
		ReceiveDescriptor: w.Record.ReceiveDescriptorWatchOnly,
		ChangeDescriptor:  w.Record.ChangeDescriptorWatchOnly,
		AddressType:       w.Record.AddressType,
		ReceiveGapLimit:   w.gapLimit(w.Record.ReceiveAddressIndex),
		ChangeGapLimit:    w.gapLimit(w.Record.ChangeAddressIndex),
		NextChangeIndex:   w.Record.ChangeAddressIndex,
		RecipientAddress:  recipient,
		AmountSats:        sats,
		FeeRateSatPerVB:   1,
	})
	if err != nil {
		return nil, internal(fmt.Errorf("build psbt: %w", err))
	}
	if built.UsedChangeIndex {
		if _, err := w.AdvanceChangeIndex(s); err != nil {
			return nil, err
		}
	}

	return w.importPsbt(s, NewPsbt(w.Record.UUID, built.Packet))
}

// ImportPsbt parses an externally-produced base64 PSBT as belonging to
// this wallet, persists it, and caches it.
func (w *Wallet) ImportPsbt(s *store.Store, data string) (*Psbt, error) {
	p, err := NewPsbtFromBase64(w.Record.UUID, data)
	if err != nil {
		return nil, err
	}
	return w.importPsbt(s, p)
}

func (w *Wallet) importPsbt(s *store.Store, p *Psbt) (*Psbt, error) {
	if w.Record.ID == 0 {
		return nil, &Error{Code: CodeNotSaved, Message: "wallet must be saved before importing a psbt"}
	}
	if err := p.Save(s); err != nil {
		return nil, err
	}
	if w.psbts == nil {
		w.psbts = make(map[string]*Psbt)
	}
	w.psbts[p.Record.UUID] = p
	return p, nil
}

// SignPsbt signs every input of the cached PSBT this wallet's internal
// xprv can contribute a signature to and persists the result. Calling it
// again on an already-signed input is a no-op.
func (w *Wallet) SignPsbt(s *store.Store, psbtUUID string) (*Psbt, error) {
	if w.handle == nil {
		return nil, internal(fmt.Errorf("wallet %q has no attached chain handle", w.Record.UUID))
	}
	p, ok := w.psbts[psbtUUID]
	if !ok {
		return nil, notFound("no psbt %q cached on wallet %q", psbtUUID, w.Record.UUID)
	}
	maxIndex := w.Record.ReceiveAddressIndex
	if w.Record.ChangeAddressIndex > maxIndex {
		maxIndex = w.Record.ChangeAddressIndex
	}
	if _, err := w.handle.SignMultisig(p.Packet, w.Internal.Xprv(), w.gapLimit(maxIndex)); err != nil {
		return nil, internal(fmt.Errorf("sign psbt: %w", err))
	}
	if err := p.Save(s); err != nil {
		return nil, err
	}
	return p, nil
}

// CombinePsbt merges otherBase64's partial signatures into the cached
// PSBT and persists the result. Fails with Incompatible if the two
// PSBTs do not share the same unsigned transaction.
func (w *Wallet) CombinePsbt(s *store.Store, psbtUUID, otherBase64 string) (*Psbt, error) {
	p, ok := w.psbts[psbtUUID]
	if !ok {
		return nil, notFound("no psbt %q cached on wallet %q", psbtUUID, w.Record.UUID)
	}
	other, err := NewPsbtFromBase64(w.Record.UUID, otherBase64)
	if err != nil {
		return nil, err
	}
	if err := p.Combine(other); err != nil {
		return nil, err
	}
	if err := p.Save(s); err != nil {
		return nil, err
	}
	return p, nil
}
