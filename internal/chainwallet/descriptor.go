package chainwallet

import (
	"fmt"
	"strconv"
	"strings"
)

// multisigDescriptor is the parsed form of the narrow sortedmulti()
// descriptor shape internal/walletcore composes: wrap(sortedmulti(m,
// key/branch/*, ...)). This is not a general output-descriptor-language
// parser; it only needs to round-trip the specific shape this service
// itself writes.
type multisigDescriptor struct {
	requiredSigs int
	keyExprs     []keyExpr
}

type keyExpr struct {
	xpub   string
	branch uint32
}

// parseMultisigDescriptor strips the sh()/wsh()/sh(wsh()) wrapper and the
// trailing "#checksum", then parses sortedmulti(m, key/branch/*, ...).
func parseMultisigDescriptor(descriptor string) (*multisigDescriptor, error) {
	body := descriptor
	if i := strings.LastIndex(body, "#"); i >= 0 {
		body = body[:i]
	}

	body = strings.TrimPrefix(body, "sh(wsh(")
	body = strings.TrimPrefix(body, "wsh(")
	body = strings.TrimPrefix(body, "sh(")
	body = strings.TrimSuffix(body, "))")
	body = strings.TrimSuffix(body, ")")

	if !strings.HasPrefix(body, "sortedmulti(") {
		return nil, fmt.Errorf("unsupported descriptor, expected sortedmulti(): %q", descriptor)
	}
	body = strings.TrimPrefix(body, "sortedmulti(")
	body = strings.TrimSuffix(body, ")")

	fields := strings.Split(body, ",")
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed sortedmulti body: %q", body)
	}

	m, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("malformed quorum in sortedmulti: %w", err)
	}

	exprs := make([]keyExpr, 0, len(fields)-1)
	for _, field := range fields[1:] {
		parts := strings.Split(field, "/")
		if len(parts) != 3 || parts[2] != "*" {
			return nil, fmt.Errorf("unsupported key expression %q, expected xpub/branch/*", field)
		}
		branch, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed branch in key expression %q: %w", field, err)
		}
		exprs = append(exprs, keyExpr{xpub: parts[0], branch: uint32(branch)})
	}

	return &multisigDescriptor{requiredSigs: m, keyExprs: exprs}, nil
}
