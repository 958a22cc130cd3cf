// Package contentstore talks to the content-addressed blob store that holds
// message payloads and attachment files.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound indicates no object exists for an address.
	ErrNotFound = errors.New("contentstore: object not found")
	// ErrInvalidAddress indicates an address that cannot name an object.
	ErrInvalidAddress = errors.New("contentstore: invalid address")
	// ErrTooLarge indicates an object exceeds the configured read limit.
	ErrTooLarge = errors.New("contentstore: object too large")
)

// Store writes payloads and reads them back by content address.
type Store interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)
	// Get opens a finite stream over the object's bytes. Callers must close it.
	Get(ctx context.Context, address string) (io.ReadCloser, error)
}

// Blob is a binary object fetched through the blob endpoint.
type Blob struct {
	Data      []byte
	MediaType string
}

// BlobFetcher fetches attachment blobs through an endpoint distinct from Get.
type BlobFetcher interface {
	GetBlob(ctx context.Context, address string) (Blob, error)
	// BlobURL returns a location a viewer can open to download the blob.
	BlobURL(address string) string
}

// HTTPError is a non-success response from the store's HTTP API or gateway.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("contentstore: http %d", e.StatusCode)
	}
	return fmt.Sprintf("contentstore: http %d: %s", e.StatusCode, e.Message)
}
