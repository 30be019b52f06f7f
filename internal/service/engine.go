package service

import (
	"context"
	"log"
	"sync"

	"github.com/brewgator/msig-coordinator/internal/chainwallet"
	"github.com/brewgator/msig-coordinator/internal/store"
	"github.com/brewgator/msig-coordinator/internal/walletcore"
)

// Engine implements every coordinator operation as a typed Go method.
// It holds Engine.mu for the entirety of each handler body, so no two
// requests ever touch the store concurrently, and lazily opens one chain
// handle per wallet.
type Engine struct {
	mu           sync.Mutex
	store        *store.Store
	electrumAddr string
	handles      map[string]*chainwallet.Handle
}

// NewEngine constructs an Engine backed by s, dialing electrumAddr lazily
// as wallets are created or loaded.
func NewEngine(s *store.Store, electrumAddr string) *Engine {
	return &Engine{
		store:        s,
		electrumAddr: electrumAddr,
		handles:      make(map[string]*chainwallet.Handle),
	}
}

// Close tears down every live Electrum connection this Engine opened.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for uuid, h := range e.handles {
		h.Close()
		delete(e.handles, uuid)
	}
}

// attachHandle dials (or reuses) the Electrum connection for w and binds
// it, so every freshly created or loaded wallet can derive addresses and
// answer balance queries from its persisted descriptors.
func (e *Engine) attachHandle(ctx context.Context, w *walletcore.Wallet) error {
	if h, ok := e.handles[w.Record.UUID]; ok {
		w.AttachHandle(h)
		return nil
	}
	h, err := chainwallet.Open(ctx, e.electrumAddr, w.Record.Network)
	if err != nil {
		return &walletcore.Error{Code: walletcore.CodeInternal, Message: "failed to open chain handle", Cause: err}
	}
	e.handles[w.Record.UUID] = h
	w.AttachHandle(h)
	return nil
}

func cosignerView(c *walletcore.Cosigner) CosignerView {
	return CosignerView{
		UUID:       c.Record.UUID,
		Internal:   c.Record.Kind == store.CosignerInternal,
		Email:      c.Record.Email,
		Xpub:       c.Record.Xpub,
		WalletUUID: c.Record.WalletUUID,
		CreatedAt:  c.Record.CreatedAt,
	}
}

func walletView(w *walletcore.Wallet) WalletView {
	uuids := make([]string, 0, len(w.External))
	for _, c := range w.External {
		uuids = append(uuids, c.Record.UUID)
	}
	return WalletView{
		UUID:                       w.Record.UUID,
		AddressType:                addressTypeToWire(w.Record.AddressType),
		Network:                    networkToWire(w.Record.Network),
		RequiredSignatures:         w.Record.RequiredSignatures,
		ReceiveDescriptorWatchOnly: w.Record.ReceiveDescriptorWatchOnly,
		ChangeDescriptorWatchOnly:  w.Record.ChangeDescriptorWatchOnly,
		ReceiveAddressIndex:        w.Record.ReceiveAddressIndex,
		ChangeAddressIndex:         w.Record.ChangeAddressIndex,
		Balance:                    w.Record.Balance,
		CosignerUUIDs:              uuids,
		CreatedAt:                  w.Record.CreatedAt,
	}
}

func psbtView(p *walletcore.Psbt) (PsbtView, error) {
	b64, err := p.Base64()
	if err != nil {
		return PsbtView{}, err
	}
	return PsbtView{
		UUID:       p.Record.UUID,
		WalletUUID: p.WalletUUID,
		Base64:     b64,
		CreatedAt:  p.Record.CreatedAt,
	}, nil
}

// --- Cosigner operations ------------------------------------------------

// RegisterCosigner registers an external cosigner's email and xpub.
func (e *Engine) RegisterCosigner(req RegisterCosignerRequest) (CosignerView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := walletcore.NewExternalCosigner(req.Email, req.Xpub)
	if err != nil {
		return CosignerView{}, err
	}
	if err := c.Save(e.store); err != nil {
		return CosignerView{}, err
	}
	return cosignerView(c), nil
}

// GetCosigner loads a single cosigner by UUID.
func (e *Engine) GetCosigner(uuid string) (CosignerView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := walletcore.GetCosigner(e.store, uuid)
	if err != nil {
		return CosignerView{}, err
	}
	return cosignerView(c), nil
}

// ForgetCosigner removes an unbound cosigner.
func (e *Engine) ForgetCosigner(uuid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return walletcore.ForgetCosigner(e.store, uuid)
}

// FindCosigner returns every cosigner matching req.
func (e *Engine) FindCosigner(req FindCosignerRequest) ([]CosignerView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	found, err := walletcore.FindCosigners(e.store, store.CosignerFilter{Email: req.Email, Xpub: req.Xpub, WalletUUID: req.WalletUUID})
	if err != nil {
		return nil, err
	}
	out := make([]CosignerView, 0, len(found))
	for _, c := range found {
		out = append(out, cosignerView(c))
	}
	return out, nil
}

// --- Wallet operations ---------------------------------------------------

// CreateWallet provisions a new M-of-N wallet: generates the internal
// cosigner, composes descriptors over it and the named external
// cosigners, opens the chain handle, persists the wallet and its whole
// key pool, then synchronizes the balance. A failed balance sync is
// logged and does not fail the call.
func (e *Engine) CreateWallet(ctx context.Context, req CreateWalletRequest) (WalletView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	addrType, err := addressTypeFromWire(req.AddressType)
	if err != nil {
		return WalletView{}, err
	}
	network, err := networkFromWire(req.Network)
	if err != nil {
		return WalletView{}, err
	}

	w, err := walletcore.NewWallet(e.store, addrType, network, req.RequiredSignatures, req.CosignerUUIDs)
	if err != nil {
		return WalletView{}, err
	}
	if err := e.attachHandle(ctx, w); err != nil {
		return WalletView{}, err
	}
	if err := w.Save(e.store); err != nil {
		return WalletView{}, err
	}
	if _, err := w.Balance(ctx, e.store); err != nil {
		log.Printf("CreateWallet: initial balance sync failed for wallet %s: %v", w.Record.UUID, err)
	}
	return walletView(w), nil
}

// GetWallet loads a single wallet by UUID and reattaches its chain
// handle.
func (e *Engine) GetWallet(ctx context.Context, uuid string) (WalletView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, err := walletcore.GetWallet(e.store, uuid)
	if err != nil {
		return WalletView{}, err
	}
	if err := e.attachHandle(ctx, w); err != nil {
		return WalletView{}, err
	}
	return walletView(w), nil
}

// ForgetWallet cascades-deletes a wallet, its internal cosigner and its
// PSBTs, and drops the cached chain handle.
func (e *Engine) ForgetWallet(uuid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := walletcore.ForgetWallet(e.store, uuid); err != nil {
		return err
	}
	if h, ok := e.handles[uuid]; ok {
		h.Close()
		delete(e.handles, uuid)
	}
	return nil
}

// FindWallet returns every wallet matching req.
func (e *Engine) FindWallet(req FindWalletRequest) ([]WalletView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	filter := store.WalletFilter{ReceiveDescriptor: req.WatchOnlyReceiveDescriptor}
	if req.AddressType != "" {
		addrType, err := addressTypeFromWire(req.AddressType)
		if err != nil {
			return nil, err
		}
		filter.AddressType = addrType
	}
	if req.Network != "" {
		network, err := networkFromWire(req.Network)
		if err != nil {
			return nil, err
		}
		filter.Network = network
	}

	found, err := walletcore.FindWallet(e.store, filter)
	if err != nil {
		return nil, err
	}
	out := make([]WalletView, 0, len(found))
	for _, w := range found {
		out = append(out, walletView(w))
	}
	return out, nil
}

// GetNewReceiveAddress hands out the next receive address of wallet_uuid.
func (e *Engine) GetNewReceiveAddress(ctx context.Context, walletUUID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, err := walletcore.GetWallet(e.store, walletUUID)
	if err != nil {
		return "", err
	}
	if err := e.attachHandle(ctx, w); err != nil {
		return "", err
	}
	return w.NewReceiveAddress(e.store)
}

// --- PSBT operations ------------------------------------------------------

// CreatePsbt builds and registers a new spend from wallet_uuid.
func (e *Engine) CreatePsbt(ctx context.Context, req CreatePsbtRequest) (PsbtView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, err := walletcore.GetWallet(e.store, req.WalletUUID)
	if err != nil {
		return PsbtView{}, err
	}
	if err := e.attachHandle(ctx, w); err != nil {
		return PsbtView{}, err
	}
	p, err := w.CreatePsbt(ctx, e.store, req.Amount, req.Recipient)
	if err != nil {
		return PsbtView{}, err
	}
	return psbtView(p)
}

// RegisterPsbt imports an externally-produced PSBT against wallet_uuid.
func (e *Engine) RegisterPsbt(req RegisterPsbtRequest) (PsbtView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, err := walletcore.GetWallet(e.store, req.WalletUUID)
	if err != nil {
		return PsbtView{}, err
	}
	p, err := w.ImportPsbt(e.store, req.Base64)
	if err != nil {
		return PsbtView{}, err
	}
	return psbtView(p)
}

// GetPsbt loads a single PSBT by UUID.
func (e *Engine) GetPsbt(uuid string) (PsbtView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := walletcore.GetPsbt(e.store, uuid)
	if err != nil {
		return PsbtView{}, err
	}
	return psbtView(p)
}

// ForgetPsbt removes a PSBT by UUID.
func (e *Engine) ForgetPsbt(uuid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return walletcore.ForgetPsbt(e.store, uuid)
}

// FindPsbt returns every PSBT registered against wallet_uuid.
func (e *Engine) FindPsbt(walletUUID string) ([]PsbtView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	found, err := walletcore.FindPsbt(e.store, store.PsbtFilter{WalletUUID: walletUUID})
	if err != nil {
		return nil, err
	}
	out := make([]PsbtView, 0, len(found))
	for _, p := range found {
		v, err := psbtView(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SignPsbt signs every input of psbt_uuid this service's internal key
// can contribute a signature to.
func (e *Engine) SignPsbt(ctx context.Context, psbtUUID string) (PsbtView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := walletcore.GetPsbt(e.store, psbtUUID)
	if err != nil {
		return PsbtView{}, err
	}
	w, err := walletcore.GetWallet(e.store, rec.WalletUUID)
	if err != nil {
		return PsbtView{}, err
	}
	if err := e.attachHandle(ctx, w); err != nil {
		return PsbtView{}, err
	}
	p, err := w.SignPsbt(e.store, psbtUUID)
	if err != nil {
		return PsbtView{}, err
	}
	return psbtView(p)
}

// CombineWithOtherPsbt merges an externally-signed base64 PSBT into
// psbt_uuid.
func (e *Engine) CombineWithOtherPsbt(req CombinePsbtRequest) (PsbtView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := walletcore.GetPsbt(e.store, req.PsbtUUID)
	if err != nil {
		return PsbtView{}, err
	}
	w, err := walletcore.GetWallet(e.store, rec.WalletUUID)
	if err != nil {
		return PsbtView{}, err
	}
	p, err := w.CombinePsbt(e.store, req.PsbtUUID, req.Base64)
	if err != nil {
		return PsbtView{}, err
	}
	return psbtView(p)
}
