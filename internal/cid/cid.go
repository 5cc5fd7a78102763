// Package cid treats content identifiers as opaque, immutable bytestring
// keys, per spec §3: "the cache never parses its semantics. Equality is
// string equality." The only operation the cache performs on content is
// assigning a CID to newly added bytes.
package cid

import (
	"crypto/sha256"
	"encoding/base32"
)

// CID is an opaque content identifier. Treat it as a string key; never
// parse it.
type CID string

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New derives a CID from content the way add_content does: a
// self-describing, lowercase, base32 multibase-style identifier over the
// SHA-256 digest. The leading "b" mirrors the multibase prefix used by
// real content-addressed stores so the shape looks familiar; the cache
// itself assigns no meaning to it beyond equality.
func New(content []byte) CID {
	sum := sha256.Sum256(content)
	return CID("b" + toLower(encoding.EncodeToString(sum[:])))
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (c CID) String() string { return string(c) }
