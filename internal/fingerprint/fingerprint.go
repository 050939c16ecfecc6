// Package fingerprint computes stable content digests over the
// change-relevant measurement fields of a station reading.
package fingerprint

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content digest, not a security boundary.
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Size is the length of a hex encoded fingerprint.
const Size = sha1.Size * 2

// Compute returns the SHA-1 hex digest of the canonical JSON encoding of
// fields restricted to keys. Keys missing from fields encode as null, so a
// reading that loses a value hashes differently from one that reports it.
//
// The encoding has sorted keys and no insignificant whitespace, which makes
// the digest independent of the order in which the upstream listed fields.
func Compute(fields map[string]any, keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}

		if buf.Len() > 1 {
			buf.WriteByte(',')
		}

		writeJSON(&buf, k)
		buf.WriteByte(':')
		writeJSON(&buf, fields[k])
	}

	buf.WriteByte('}')

	sum := sha1.Sum(buf.Bytes()) //nolint:gosec // see import.

	return hex.EncodeToString(sum[:])
}

// Of hashes every key present in fields.
func Of(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	return Compute(fields, keys)
}

func writeJSON(buf *bytes.Buffer, v any) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		// Scalars always encode; anything exotic is hashed as null.
		buf.WriteString("null")

		return
	}

	// Encoder terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
}
