// Package ident derives the stable short identifiers used as primary keys for
// tariffs and generating machines.
//
// An identifier is the hex SHA-1 digest of the normalized attributes, concatenated
// without a separator, truncated to a fixed number of characters. Both choices match
// the identifiers already stored in production tables and must not change: a new
// digest or a separator would re-key every existing tariff and machine row.
//
// Truncation trades collision resistance for readability. At the default length of
// 10 hex characters (40 bits) a collision becomes likely (~1%) only after roughly
// 150k distinct entities; the tariff and machine populations are in the low thousands.
package ident

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// DefaultLength is the number of hex characters kept from the digest.
const DefaultLength = 10

// Deriver computes identifiers of a fixed length.
type Deriver struct {
	length int
}

// New returns a Deriver keeping length hex characters. Out-of-range lengths fall
// back to DefaultLength (below 1) or the full digest (above 40).
func New(length int) Deriver {
	switch {
	case length < 1:
		length = DefaultLength
	case length > sha1.Size*2:
		length = sha1.Size * 2
	}
	return Deriver{length: length}
}

// Length reports the configured identifier length.
func (d Deriver) Length() int {
	if d.length == 0 {
		return DefaultLength
	}
	return d.length
}

// Derive normalizes each attribute (trim, lowercase), concatenates them and
// returns the truncated digest. Attribute order is significant.
func (d Deriver) Derive(attrs ...string) string {
	var b strings.Builder
	for _, a := range attrs {
		b.WriteString(Normalize(a))
	}
	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:d.Length()]
}

// Normalize is the canonical form an attribute takes before hashing.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Derive uses a Deriver of DefaultLength.
func Derive(attrs ...string) string {
	return Deriver{}.Derive(attrs...)
}
