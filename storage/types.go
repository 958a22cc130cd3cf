package storage

import (
	"errors"
	"fmt"
	"time"

	"secura/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SendKindText is a plain text send.
	SendKindText = "text"
	// SendKindFile is a file attachment send.
	SendKindFile = "file"
)

const (
	// SendStatusPending means nothing has been written yet.
	SendStatusPending = "pending"
	// SendStatusStored means the payload is in the content store but not yet on the ledger.
	SendStatusStored = "stored"
	// SendStatusSubmitted means the ledger accepted the pointer.
	SendStatusSubmitted = "submitted"
	// SendStatusFailed means the ledger submit failed and the stored payload is an orphan.
	SendStatusFailed = "failed"
	// SendStatusRejected means the send was refused before reaching the ledger.
	SendStatusRejected = "rejected"
)

// Send is one outbound send attempt as tracked in the send log.
type Send struct {
	SendID         string
	Sender         string
	Recipient      string
	Kind           string
	Filename       string
	ContentAddress string
	BlobAddress    string
	RecordID       string
	Status         string
	Error          string
	CreatedAt      int64
	UpdatedAt      int64
}

// SendUpdate carries the fields a status transition may fill in.
type SendUpdate struct {
	Status         string
	ContentAddress string
	BlobAddress    string
	RecordID       string
	Error          string
}

func validateSendKind(kind string) error {
	switch kind {
	case SendKindText, SendKindFile:
		return nil
	default:
		return fmt.Errorf("invalid send kind %q", kind)
	}
}

func validateSendStatus(status string) error {
	switch status {
	case SendStatusPending, SendStatusStored, SendStatusSubmitted, SendStatusFailed, SendStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid send status %q", status)
	}
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionInbound, models.DirectionOutbound:
		return nil
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
