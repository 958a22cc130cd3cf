// Package ledger reads and writes message references on the messaging ledger.
package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"

	"secura/models"
)

var (
	// ErrNotConnected indicates the ledger connection is missing or was lost.
	// It is the only systemic failure; every other error is per request.
	ErrNotConnected = errors.New("ledger: not connected")
	// ErrMalformedRecord indicates a message record that cannot be decoded.
	ErrMalformedRecord = errors.New("ledger: malformed record")
	// ErrPointerTooLong indicates a content pointer over the 64-byte field limit.
	ErrPointerTooLong = errors.New("ledger: content pointer exceeds field limit")
	// ErrInvalidSignature indicates a transaction whose signature does not verify.
	ErrInvalidSignature = errors.New("ledger: invalid signature")
	// ErrRejected indicates the ledger refused a transaction.
	ErrRejected = errors.New("ledger: transaction rejected")
	// ErrNoSigner indicates a submit without a signing credential.
	ErrNoSigner = errors.New("ledger: no signer configured")
)

// Receipt identifies the record created by a successful submit.
type Receipt struct {
	ID     string `json:"id"`
	Height uint64 `json:"height"`
}

// Ledger is the subset of the messaging ledger the client consumes.
type Ledger interface {
	InboxIDs(ctx context.Context, address string) ([]string, error)
	OutboxIDs(ctx context.Context, address string) ([]string, error)
	// Message returns nil, nil when id no longer resolves to a record.
	Message(ctx context.Context, id string) (*models.MessageRecord, error)
	// SubmitMessage records pointer from the signing account to recipient.
	SubmitMessage(ctx context.Context, recipient string, pointer []byte) (Receipt, error)
}

// HeadSubscriber is implemented by ledgers that announce new blocks.
// The returned channel is closed when ctx ends or the connection drops.
type HeadSubscriber interface {
	SubscribeHeads(ctx context.Context) (<-chan uint64, error)
}

// Signer holds the account credential that signs transactions.
type Signer interface {
	Address() string
	PublicKey() ed25519.PublicKey
	Sign(data []byte) ([]byte, error)
}
