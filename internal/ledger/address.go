package ledger

import (
	"fmt"
	"regexp"
)

// bech32 data charset, per BIP-0173.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// AddressMatcher recognizes testnet addresses for a given bech32 prefix in
// free-form chat text. It distinguishes exact matches from strings that look
// like an address but are malformed (typo, truncated paste, old address
// version), so callers can tell the user which is which.
type AddressMatcher struct {
	exact     *regexp.Regexp
	candidate *regexp.Regexp
}

func NewAddressMatcher(prefix string) *AddressMatcher {
	quoted := regexp.QuoteMeta(prefix)
	return &AddressMatcher{
		exact:     regexp.MustCompile(fmt.Sprintf(`^%s1[%s]{58}$`, quoted, bech32Charset)),
		candidate: regexp.MustCompile(fmt.Sprintf(`%s1[%s]{20,}`, quoted, bech32Charset)),
	}
}

// Valid reports whether s is exactly a well-formed address.
func (m *AddressMatcher) Valid(s string) bool {
	return m.exact.MatchString(s)
}

// Extract scans text and returns well-formed addresses and near-miss strings
// in order of appearance. Candidates are maximal address-charset runs, so a
// truncated or overlong paste shows up as a near-miss rather than being
// silently clipped to a valid-looking address.
func (m *AddressMatcher) Extract(text string) (addresses, almosts []string) {
	for _, candidate := range m.candidate.FindAllString(text, -1) {
		if m.Valid(candidate) {
			addresses = append(addresses, candidate)
		} else {
			almosts = append(almosts, candidate)
		}
	}
	return addresses, almosts
}
