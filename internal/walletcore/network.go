package walletcore

import "github.com/btcsuite/btcd/chaincfg"

// chainParams maps the store's persisted Network enum onto the concrete
// chaincfg.Params the key-derivation and address code needs.
func chainParams(network int16) *chaincfg.Params {
	switch network {
	case 1:
		return &chaincfg.RegressionNetParams
	case 2:
		return &chaincfg.TestNet3Params
	case 3:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
