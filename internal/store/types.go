// Package store owns the relational catalog of cosigners, wallets, PSBTs
// and their key material. It never interprets the data it holds; callers
// in internal/walletcore translate to and from these plain records.
package store

import "time"

// CosignerKind tags a cosigner as service-owned or externally held: one
// wallet owns exactly one Internal cosigner, and any number of External
// ones participate through the key-pool slot table.
type CosignerKind int16

const (
	CosignerInternal CosignerKind = 0
	CosignerExternal CosignerKind = 1
)

// AddressType is the multisig script encoding a wallet was created with.
type AddressType int16

const (
	AddressTypeP2SH    AddressType = 1
	AddressTypeP2WSH   AddressType = 2
	AddressTypeP2SHWSH AddressType = 3
)

// Network is the Bitcoin network a wallet's descriptors are compiled for.
type Network int16

const (
	NetworkRegtest Network = 1
	NetworkTestnet Network = 2
	NetworkSignet  Network = 3
	NetworkMainnet Network = 4
)

// Cosigner is one participant in a wallet's quorum. Xpub is always
// populated; Email is empty for an Internal cosigner; WalletUUID is empty
// until the cosigner is bound to a wallet.
type Cosigner struct {
	ID         int64
	UUID       string
	Kind       CosignerKind
	Email      string
	Xpub       string
	WalletUUID string
	CreatedAt  time.Time
}

// Xprv holds the mnemonic and extended private key for the single Internal
// cosigner of a wallet. Kept in its own table so it can be isolated behind
// a future encryption-at-rest layer without reshaping the Cosigner rows
// returned by find/list operations.
type Xprv struct {
	ID         int64
	CosignerID int64
	Mnemonic   string
	Xprv       string
	CreatedAt  time.Time
}

// Wallet is a fully-provisioned multisig wallet: its quorum, address
// scheme, network, live descriptors, and address-derivation cursors.
type Wallet struct {
	ID                         int64
	UUID                       string
	AddressType                AddressType
	Network                    Network
	RequiredSignatures         int
	ReceiveDescriptor          string
	ReceiveDescriptorWatchOnly string
	ReceiveAddressIndex        int64
	ChangeDescriptor           string
	ChangeDescriptorWatchOnly  string
	ChangeAddressIndex         int64
	Balance                    string
	CreatedAt                  time.Time
}

// XpubSlot records that a given cosigner's extended public key occupies a
// fixed position in a wallet's sortedmulti() key pool, so the pool can be
// reconstructed without re-parsing descriptor strings.
type XpubSlot struct {
	ID         int64
	WalletID   int64
	CosignerID int64
	KeyOrder   int
}

// Psbt is a partially-signed transaction registered against a wallet.
// Data is always the latest base64 serialization; callers never cache a
// stale copy once a signature or combine mutates the underlying packet.
type Psbt struct {
	ID         int64
	UUID       string
	WalletUUID string
	Data       string
	CreatedAt  time.Time
}

// WalletFilter selects wallets by any combination of fields; zero values
// are "don't filter on this field".
type WalletFilter struct {
	UUID              string
	AddressType       AddressType
	Network           Network
	ReceiveDescriptor string
}

// CosignerFilter selects cosigners by any combination of fields.
type CosignerFilter struct {
	UUID       string
	Email      string
	Xpub       string
	WalletUUID string
}

// PsbtFilter selects PSBTs by any combination of fields.
type PsbtFilter struct {
	UUID       string
	WalletUUID string
}
