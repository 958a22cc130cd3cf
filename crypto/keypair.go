package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	accountPrivatePEMType = "SECURA ACCOUNT PRIVATE KEY"
	accountPublicPEMType  = "SECURA ACCOUNT PUBLIC KEY"
)

// EnsureAccountKey loads the account signing key from disk, generating it on first run.
// The public half is rewritten whenever it is missing or does not match.
func EnsureAccountKey(privatePath, publicPath string) (*Signer, error) {
	privateKey, err := LoadPrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)
		stored, pubErr := LoadPublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := SavePublicKey(publicPath, publicKey); err != nil {
				return nil, err
			}
		}
		return NewSigner(privateKey)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if err := SavePrivateKey(privatePath, privateKey); err != nil {
		return nil, err
	}
	if err := SavePublicKey(publicPath, publicKey); err != nil {
		return nil, err
	}

	return NewSigner(privateKey)
}

// LoadPrivateKey loads an Ed25519 account private key from a PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, accountPrivatePEMType)
	if err != nil {
		return nil, fmt.Errorf("read account private key: %w", err)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode account private key: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

// LoadPublicKey loads an Ed25519 account public key from a PEM file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, accountPublicPEMType)
	if err != nil {
		return nil, fmt.Errorf("read account public key: %w", err)
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode account public key: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// SavePrivateKey writes the account private key with 0600 permissions.
func SavePrivateKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save account private key: invalid key size %d", len(key))
	}
	return writePEM(path, accountPrivatePEMType, key, 0o600)
}

// SavePublicKey writes the account public key.
func SavePublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save account public key: invalid key size %d", len(key))
	}
	return writePEM(path, accountPublicPEMType, key, 0o644)
}

func readPEM(path, wantType string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
	return block, nil
}

func writePEM(path, blockType string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{Type: blockType, Bytes: data}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	return nil
}
