// Package address validates and normalizes wallet addresses.
package address

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses
var ErrInvalidAddress = errors.New("invalid wallet address")

// IsChecksummed reports whether s is a 0x-prefixed address whose letter case matches EIP-55.
func IsChecksummed(s string) bool {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}
	return common.HexToAddress(s).Hex() == s
}

// FilterChecksummed keeps the EIP-55 valid addresses of addrs in their original order and
// returns the rejected entries separately.
func FilterChecksummed(addrs []string) (valid []common.Address, rejected []string) {
	valid = make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if IsChecksummed(a) {
			valid = append(valid, common.HexToAddress(a))
			continue
		}
		rejected = append(rejected, a)
	}
	return valid, rejected
}

// Parse accepts any hex address regardless of case.
func Parse(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// Key returns the lowercased 0x form used as document id.
func Key(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Checksum returns the EIP-55 form of a hex address.
func Checksum(s string) (string, error) {
	a, err := Parse(s)
	if err != nil {
		return "", err
	}
	return a.Hex(), nil
}

// Strings formats addresses with EIP-55 case.
func Strings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
