// Package address validates and normalizes EVM account addresses.
package address

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Valid reports whether s, after trimming, is 0x followed by 40 hex digits.
func Valid(s string) bool {
	return pattern.MatchString(strings.TrimSpace(s))
}

// Normalize trims and lower-cases s. It does not validate.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal compares two addresses case-insensitively.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Checksum returns the EIP-55 mixed-case form of a valid address, or the
// empty string when s is not valid.
func Checksum(s string) string {
	if !Valid(s) {
		return ""
	}
	lower := Normalize(s)[2:]

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}
