package service

import (
	"fmt"

	"github.com/brewgator/msig-coordinator/internal/walletcore"
)

// invalidArgumentf builds the same taxonomy-tagged error
// internal/walletcore's domain constructors return, so a caller never
// needs to distinguish a façade-level validation failure from a
// domain-level one.
func invalidArgumentf(format string, args ...interface{}) *walletcore.Error {
	return &walletcore.Error{Code: walletcore.CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}
