// Package service is the coordinator's façade layer: Engine translates
// the RPC operation set to and from internal/walletcore entities,
// validates inputs the domain layer doesn't already validate itself, and
// serializes every handler behind a single coarse mutex. It carries no
// business logic beyond that translation; every invariant lives in
// internal/walletcore.
package service

import (
	"time"

	"github.com/brewgator/msig-coordinator/internal/store"
)

// CosignerView is the RPC-shaped projection of a Cosigner record.
type CosignerView struct {
	UUID       string    `json:"uuid"`
	Internal   bool      `json:"internal"`
	Email      string    `json:"email,omitempty"`
	Xpub       string    `json:"xpub"`
	WalletUUID string    `json:"wallet_uuid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WalletView is the RPC-shaped projection of a Wallet record.
type WalletView struct {
	UUID                       string    `json:"uuid"`
	AddressType                string    `json:"address_type"`
	Network                    string    `json:"network"`
	RequiredSignatures         int       `json:"required_signatures"`
	ReceiveDescriptorWatchOnly string    `json:"receive_descriptor_watch_only"`
	ChangeDescriptorWatchOnly  string    `json:"change_descriptor_watch_only"`
	ReceiveAddressIndex        int64     `json:"receive_address_index"`
	ChangeAddressIndex         int64     `json:"change_address_index"`
	Balance                    string    `json:"balance"`
	CosignerUUIDs              []string  `json:"cosigner_uuids"`
	CreatedAt                  time.Time `json:"created_at"`
}

// PsbtView is the RPC-shaped projection of a Psbt record.
type PsbtView struct {
	UUID       string    `json:"uuid"`
	WalletUUID string    `json:"wallet_uuid"`
	Base64     string    `json:"base64"`
	CreatedAt  time.Time `json:"created_at"`
}

// RegisterCosignerRequest is RegisterCosigner's input.
type RegisterCosignerRequest struct {
	Email string `json:"email"`
	Xpub  string `json:"xpub"`
}

// FindCosignerRequest is FindCosigner's input; empty fields are wildcards.
type FindCosignerRequest struct {
	Email      string `json:"email,omitempty"`
	Xpub       string `json:"xpub,omitempty"`
	WalletUUID string `json:"wallet_uuid,omitempty"`
}

// CreateWalletRequest is CreateWallet's input.
type CreateWalletRequest struct {
	AddressType        string   `json:"address_type"`
	Network            string   `json:"network"`
	RequiredSignatures int      `json:"required_signatures"`
	CosignerUUIDs      []string `json:"cosigner_uuids"`
}

// FindWalletRequest is FindWallet's input; empty/zero fields are wildcards.
type FindWalletRequest struct {
	AddressType                string `json:"address_type,omitempty"`
	Network                    string `json:"network,omitempty"`
	WatchOnlyReceiveDescriptor string `json:"watch_only_receive_descriptor,omitempty"`
}

// CreatePsbtRequest is CreatePsbt's input.
type CreatePsbtRequest struct {
	WalletUUID string `json:"wallet_uuid"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
}

// RegisterPsbtRequest is RegisterPsbt's input.
type RegisterPsbtRequest struct {
	WalletUUID string `json:"wallet_uuid"`
	Base64     string `json:"base64"`
}

// CombinePsbtRequest is CombineWithOtherPsbt's input.
type CombinePsbtRequest struct {
	PsbtUUID string `json:"psbt_uuid"`
	Base64   string `json:"base64"`
}

func addressTypeToWire(t store.AddressType) string {
	switch t {
	case store.AddressTypeP2SH:
		return "sh"
	case store.AddressTypeP2SHWSH:
		return "sh_wsh"
	default:
		return "wsh"
	}
}

func addressTypeFromWire(s string) (store.AddressType, error) {
	switch s {
	case "sh":
		return store.AddressTypeP2SH, nil
	case "wsh":
		return store.AddressTypeP2WSH, nil
	case "sh_wsh":
		return store.AddressTypeP2SHWSH, nil
	default:
		return 0, invalidArgumentf("unknown address type %q, want one of sh, wsh, sh_wsh", s)
	}
}

func networkToWire(n store.Network) string {
	switch n {
	case store.NetworkRegtest:
		return "regtest"
	case store.NetworkTestnet:
		return "testnet"
	case store.NetworkSignet:
		return "signet"
	default:
		return "mainnet"
	}
}

func networkFromWire(s string) (store.Network, error) {
	switch s {
	case "regtest":
		return store.NetworkRegtest, nil
	case "testnet":
		return store.NetworkTestnet, nil
	case "signet":
		return store.NetworkSignet, nil
	case "mainnet":
		return store.NetworkMainnet, nil
	default:
		return 0, invalidArgumentf("unknown network %q, want one of regtest, testnet, signet, mainnet", s)
	}
}
