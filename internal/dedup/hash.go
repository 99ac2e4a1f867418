package dedup

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Normalize trims, lowercases and collapses runs of whitespace to one space, so
// trivially different inputs share a hash.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ContentHash is the blake2b-256 digest of the normalized content, hex encoded.
func ContentHash(s string) string {
	sum := blake2b.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// PromptHash keys the generation cache.
func PromptHash(prompt string) string { return ContentHash(prompt) }
