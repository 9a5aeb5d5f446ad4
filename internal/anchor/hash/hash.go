// Package hash computes canonical content hashes for anchoring.
//
// The hash is a pure function of document content plus normalized metadata:
// identical inputs always yield the same digest, any byte difference changes
// it. Metadata is serialized as JSON with sorted keys so map iteration order
// never leaks into the digest.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	dErrors "attestor/pkg/domain-errors"
)

// Prefix identifies the digest algorithm in stored hashes.
const Prefix = "sha256:"

// Sum computes the canonical anchor hash for a document.
// Fails with a validation error on empty content; metadata may be nil.
func Sum(content []byte, metadata map[string]string) (string, error) {
	if len(content) == 0 {
		return "", dErrors.New(dErrors.CodeValidation, "document content is required")
	}

	h := sha256.New()
	h.Write(content)
	h.Write(canonicalMetadata(metadata))
	return Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// SumFields hashes an ordered field list joined by newlines. Used for record
// integrity hashes where field order is fixed by the caller.
func SumFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "\n")))
	return Prefix + hex.EncodeToString(sum[:])
}

// Valid reports whether s looks like a hash this package produced.
func Valid(s string) bool {
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	digest := strings.TrimPrefix(s, Prefix)
	if len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// canonicalMetadata renders metadata as a stable byte sequence: keys sorted,
// each pair JSON-encoded. Nil and empty maps canonicalize identically.
func canonicalMetadata(metadata map[string]string) []byte {
	if len(metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(metadata[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
