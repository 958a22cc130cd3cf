package contentstore

import (
	"crypto/sha256"
	"encoding/base32"
	"regexp"
	"strings"
)

const (
	cidVersion1   = 0x01
	codecRaw      = 0x55
	multihashSHA2 = 0x12
	digestLen     = sha256.Size
)

var (
	addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
	addressPattern  = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// ComputeAddress returns the CIDv1 (raw codec, sha2-256, base32) address of data,
// the same address an IPFS node assigns to a single raw block.
func ComputeAddress(data []byte) string {
	digest := sha256.Sum256(data)
	raw := make([]byte, 0, 4+digestLen)
	raw = append(raw, cidVersion1, codecRaw, multihashSHA2, digestLen)
	raw = append(raw, digest[:]...)
	return "b" + strings.ToLower(addressEncoding.EncodeToString(raw))
}

// ValidAddress reports whether address is syntactically usable as a content address.
func ValidAddress(address string) bool {
	return address != "" && addressPattern.MatchString(address)
}
