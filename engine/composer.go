package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"secura/contentstore"
	"secura/ledger"
	"secura/models"
	"secura/storage"
)

var (
	// ErrOversizedPointer indicates a content address longer than the
	// ledger's pointer field. Nothing is submitted.
	ErrOversizedPointer = errors.New("engine: content pointer exceeds ledger limit")
	// ErrEmptyBody indicates a send with neither text nor a file.
	ErrEmptyBody = errors.New("engine: message body is required")
)

// OversizedPointerError carries the address that did not fit.
type OversizedPointerError struct {
	Address string
	Length  int
}

func (e *OversizedPointerError) Error() string {
	return fmt.Sprintf("content pointer %q is %d bytes, limit is %d", e.Address, e.Length, models.MaxContentPointerLen)
}

func (e *OversizedPointerError) Is(target error) bool {
	return target == ErrOversizedPointer
}

// SubmissionError reports a ledger submit that failed after the payload was
// stored. Address is left orphaned in the content store.
type SubmissionError struct {
	Address string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit pointer %s: %v", e.Address, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// FileBody is an attachment to send.
type FileBody struct {
	Name string
	Data []byte
}

// Body is the payload of one send: text, or a file.
type Body struct {
	Text string
	File *FileBody
}

// TextBody returns a text message body.
func TextBody(text string) Body {
	return Body{Text: text}
}

// FileMessage returns an attachment body.
func FileMessage(name string, data []byte) Body {
	return Body{File: &FileBody{Name: name, Data: data}}
}

// SendResult describes a completed send.
type SendResult struct {
	SendID      string
	Address     string
	BlobAddress string
	Receipt     ledger.Receipt
}

// SendLog tracks send attempts. storage.Store satisfies it.
type SendLog interface {
	CreateSend(send storage.Send) (string, error)
	UpdateSend(sendID string, update storage.SendUpdate) error
}

// Composer stores outgoing payloads and records their pointers on the ledger.
type Composer struct {
	sender  string
	store   contentstore.Store
	ledger  ledger.Ledger
	sendLog SendLog
	log     zerolog.Logger
}

// NewComposer returns a composer sending as sender. sendLog may be nil.
func NewComposer(sender string, store contentstore.Store, l ledger.Ledger, sendLog SendLog, log zerolog.Logger) *Composer {
	return &Composer{sender: sender, store: store, ledger: l, sendLog: sendLog, log: log}
}

// Send stores body and submits its pointer to recipient. A file body is
// stored as a blob first and sent as an attachment reference.
//
// Once the first store write begins the send is no longer cancellable.
func (c *Composer) Send(ctx context.Context, recipient string, body Body) (SendResult, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return SendResult{}, errors.New("recipient is required")
	}
	if body.File == nil && body.Text == "" {
		return SendResult{}, ErrEmptyBody
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	ctx = context.WithoutCancel(ctx)

	var result SendResult
	result.SendID = c.begin(recipient, body)

	text := body.Text
	if body.File != nil {
		blobAddress, err := c.store.Put(ctx, body.File.Data)
		if err != nil {
			err = fmt.Errorf("store attachment: %w", err)
			c.record(result.SendID, storage.SendUpdate{Status: storage.SendStatusRejected, Error: err.Error()})
			return result, err
		}
		result.BlobAddress = blobAddress
		text = FormatAttachment(body.File.Name, blobAddress)
	}

	address, err := c.store.Put(ctx, []byte(text))
	if err != nil {
		err = fmt.Errorf("store message: %w", err)
		c.record(result.SendID, storage.SendUpdate{
			Status:      storage.SendStatusRejected,
			BlobAddress: result.BlobAddress,
			Error:       err.Error(),
		})
		return result, err
	}
	result.Address = address

	pointer := []byte(address)
	if len(pointer) > models.MaxContentPointerLen {
		err := &OversizedPointerError{Address: address, Length: len(pointer)}
		c.record(result.SendID, storage.SendUpdate{
			Status:         storage.SendStatusRejected,
			ContentAddress: address,
			BlobAddress:    result.BlobAddress,
			Error:          err.Error(),
		})
		return result, err
	}
	c.record(result.SendID, storage.SendUpdate{
		Status:         storage.SendStatusStored,
		ContentAddress: address,
		BlobAddress:    result.BlobAddress,
	})

	receipt, err := c.ledger.SubmitMessage(ctx, recipient, pointer)
	if err != nil {
		subErr := &SubmissionError{Address: address, Err: err}
		c.log.Warn().Err(err).Str("address", address).Str("recipient", recipient).Msg("ledger submit failed, stored content is orphaned")
		c.record(result.SendID, storage.SendUpdate{Status: storage.SendStatusFailed, Error: err.Error()})
		return result, subErr
	}
	result.Receipt = receipt
	c.record(result.SendID, storage.SendUpdate{Status: storage.SendStatusSubmitted, RecordID: receipt.ID})

	c.log.Info().
		Str("recipient", recipient).
		Str("address", address).
		Str("record_id", receipt.ID).
		Msg("message sent")
	return result, nil
}

func (c *Composer) begin(recipient string, body Body) string {
	if c.sendLog == nil {
		return ""
	}
	send := storage.Send{
		Sender:    c.sender,
		Recipient: recipient,
		Kind:      storage.SendKindText,
		Status:    storage.SendStatusPending,
	}
	if body.File != nil {
		send.Kind = storage.SendKindFile
		send.Filename = SanitizeFilename(body.File.Name)
	}
	id, err := c.sendLog.CreateSend(send)
	if err != nil {
		c.log.Warn().Err(err).Msg("create send log entry")
		return ""
	}
	return id
}

func (c *Composer) record(sendID string, update storage.SendUpdate) {
	if c.sendLog == nil || sendID == "" {
		return
	}
	if err := c.sendLog.UpdateSend(sendID, update); err != nil {
		c.log.Warn().Err(err).Str("send_id", sendID).Msg("update send log entry")
	}
}
