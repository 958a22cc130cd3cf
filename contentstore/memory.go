package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// Memory is an in-process content-addressed store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte

	gatewayURL string
}

// NewMemory returns an empty store. gatewayURL, when set, is used to build BlobURLs.
func NewMemory(gatewayURL string) *Memory {
	return &Memory{
		objects:    make(map[string][]byte),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
	}
}

// Put stores a copy of data under its computed address.
func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	address := ComputeAddress(data)

	m.mu.Lock()
	if _, exists := m.objects[address]; !exists {
		m.objects[address] = append([]byte(nil), data...)
	}
	m.mu.Unlock()

	return address, nil
}

// Get returns a reader over the stored object.
func (m *Memory) Get(ctx context.Context, address string) (io.ReadCloser, error) {
	data, err := m.lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetBlob returns the object with a sniffed media type.
func (m *Memory) GetBlob(ctx context.Context, address string) (Blob, error) {
	data, err := m.lookup(ctx, address)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, MediaType: mimetype.Detect(data).String()}, nil
}

// BlobURL returns the gateway URL for address, or a memory:// URL without a gateway.
func (m *Memory) BlobURL(address string) string {
	if m.gatewayURL == "" {
		return "memory://" + address
	}
	return m.gatewayURL + "/ipfs/" + address
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) lookup(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	m.mu.RLock()
	data, ok := m.objects[address]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return append([]byte(nil), data...), nil
}
