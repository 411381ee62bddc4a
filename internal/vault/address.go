package vault

import "strings"

// CanonicalAddress normalizes an address so cosmetic differences never split
// one wallet into two pseudonyms. Hex (0x) and bech32 addresses are
// case-insensitive and are lowercased; base58 addresses are case-sensitive
// and only trimmed.
func CanonicalAddress(address string) string {
	s := strings.TrimSpace(address)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		return lower
	case strings.HasPrefix(lower, "bc1"), strings.HasPrefix(lower, "tb1"), strings.HasPrefix(lower, "ltc1"):
		return lower
	default:
		return s
	}
}
