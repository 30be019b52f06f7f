package walletcore

import "strings"

// Descriptor checksum support (BIP-380). None of the retrieved example
// repos wire an output-descriptor library (btcsuite has no descriptor
// package), so this is implemented directly against the BIP text rather
// than left unchecksummed: a bare "sortedmulti(...)" string without its
// "#xxxxxxxx" suffix is not a valid descriptor a wallet could import.
const descriptorInputCharset = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
const descriptorChecksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var descriptorGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

func descriptorPolymod(symbols []int) uint64 {
	var chk uint64 = 1
	for _, value := range symbols {
		top := chk >> 35
		chk = (chk&0x7ffffffff)<<5 ^ uint64(value)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= descriptorGenerator[i]
			}
		}
	}
	return chk
}

func descriptorExpand(s string) []int {
	var symbols []int
	var groups []int
	for _, c := range s {
		idx := strings.IndexRune(descriptorInputCharset, c)
		if idx < 0 {
			return nil
		}
		symbols = append(symbols, idx&31)
		groups = append(groups, idx>>5)
		if len(groups) == 3 {
			symbols = append(symbols, groups[0]*9+groups[1]*3+groups[2])
			groups = nil
		}
	}
	switch len(groups) {
	case 1:
		symbols = append(symbols, groups[0])
	case 2:
		symbols = append(symbols, groups[0]*3+groups[1])
	}
	return symbols
}

// descriptorChecksum computes the 8-character BIP-380 checksum for a
// descriptor string without its "#..." suffix.
func descriptorChecksum(descriptor string) string {
	symbols := descriptorExpand(descriptor)
	symbols = append(symbols, 0, 0, 0, 0, 0, 0, 0, 0)
	checksum := descriptorPolymod(symbols) ^ 1

	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = descriptorChecksumCharset[(checksum>>uint(5*(7-i)))&31]
	}
	return string(out)
}

// withChecksum appends "#" + the computed checksum to a descriptor body.
func withChecksum(body string) string {
	return body + "#" + descriptorChecksum(body)
}

// wrapDescriptor wraps a multisig fragment in the sh()/wsh()/sh(wsh())
// scheme matching the wallet's address type.
func wrapDescriptor(addrType int16, inner string) string {
	switch addrType {
	case 1: // P2SH
		return "sh(" + inner + ")"
	case 3: // P2SH-P2WSH
		return "sh(wsh(" + inner + "))"
	default: // P2WSH
		return "wsh(" + inner + ")"
	}
}
