package numeric

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// ValidateAddress checks that addr decodes as a bech32 address under one of
// the accepted human-readable prefixes, the way core/genesis/bech32.go
// validates nhb/znhb accounts. Contract and user addresses on the chain this
// indexer follows share the same encoding.
func ValidateAddress(addr string, allowedHRP ...string) error {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return fmt.Errorf("numeric: empty address")
	}
	hrp, data, err := bech32.Decode(trimmed)
	if err != nil {
		return fmt.Errorf("numeric: decode address %q: %w", addr, err)
	}
	if len(allowedHRP) > 0 {
		ok := false
		for _, want := range allowedHRP {
			if hrp == want {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("numeric: address %q has unexpected prefix %q", addr, hrp)
		}
	}
	if _, err := bech32.ConvertBits(data, 5, 8, false); err != nil {
		return fmt.Errorf("numeric: address %q has invalid payload: %w", addr, err)
	}
	return nil
}

// NormalizeAddress trims and lower-cases an address for use as a map/store
// key. Bech32 addresses are case-insensitive at the encoding layer but
// conventionally rendered lowercase.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
