package crypto

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	addressPrefix      = "sc"
	addressChecksumLen = 2
	addressContext     = "secura-address"
)

// ErrInvalidAddress indicates a malformed or mis-checksummed account address.
var ErrInvalidAddress = errors.New("crypto: invalid account address")

// AddressFromPublicKey derives the account address for an Ed25519 public key:
// "sc" + hex(publicKey) + hex(blake2b-256(context || publicKey)[:2]).
func AddressFromPublicKey(publicKey ed25519.PublicKey) string {
	sum := addressChecksum(publicKey)
	return addressPrefix + hex.EncodeToString(publicKey) + hex.EncodeToString(sum)
}

// PublicKeyFromAddress validates an address and returns its public key.
func PublicKeyFromAddress(address string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(address, addressPrefix) {
		return nil, fmt.Errorf("%w: missing prefix", ErrInvalidAddress)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(address, addressPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != ed25519.PublicKeySize+addressChecksumLen {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(raw))
	}
	publicKey := ed25519.PublicKey(raw[:ed25519.PublicKeySize])
	if subtle.ConstantTimeCompare(raw[ed25519.PublicKeySize:], addressChecksum(publicKey)) != 1 {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return publicKey, nil
}

// ValidAddress reports whether address is well formed.
func ValidAddress(address string) bool {
	_, err := PublicKeyFromAddress(address)
	return err == nil
}

func addressChecksum(publicKey ed25519.PublicKey) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(addressContext))
	h.Write(publicKey)
	return h.Sum(nil)[:addressChecksumLen]
}
