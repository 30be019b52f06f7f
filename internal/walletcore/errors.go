package walletcore

import "fmt"

// Code is the small error taxonomy the façade translates every domain
// failure into, mirroring the six outcomes the RPC surface promises: a
// caller never needs to string-match an error to know how to react.
type Code int

const (
	// CodeInvalidArgument means a request's shape or values were wrong
	// before any store or chain access was attempted.
	CodeInvalidArgument Code = iota
	// CodeNotFound means a looked-up UUID has no matching row.
	CodeNotFound
	// CodeAlreadyBound means a cosigner, wallet, or PSBT slot that must be
	// unique or unoccupied was not.
	CodeAlreadyBound
	// CodeIncompatible means two PSBTs, or a PSBT and a wallet, disagree on
	// data that must match for the requested operation to be meaningful.
	CodeIncompatible
	// CodeNotSaved means persisting a constructed entity to the store
	// failed for a reason outside the caller's control.
	CodeNotSaved
	// CodeInternal covers every other failure: chain-layer errors, bugs,
	// unexpected store errors.
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyBound:
		return "already_bound"
	case CodeIncompatible:
		return "incompatible"
	case CodeNotSaved:
		return "not_saved"
	default:
		return "internal"
	}
}

// Error is a taxonomy-tagged error. Every failure path in this package and
// internal/service returns one of these instead of a bare error, so a
// transport layer can map Code directly onto a wire status without
// inspecting message text.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func invalidArgument(format string, args ...interface{}) *Error {
	return newError(CodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

func notFound(format string, args ...interface{}) *Error {
	return newError(CodeNotFound, fmt.Sprintf(format, args...), nil)
}

func alreadyBound(format string, args ...interface{}) *Error {
	return newError(CodeAlreadyBound, fmt.Sprintf(format, args...), nil)
}

func incompatible(format string, args ...interface{}) *Error {
	return newError(CodeIncompatible, fmt.Sprintf(format, args...), nil)
}

func notSaved(cause error) *Error {
	return newError(CodeNotSaved, "failed to persist entity", cause)
}

func internal(cause error) *Error {
	return newError(CodeInternal, "internal failure", cause)
}
