package models

// Direction tells whether a record reached the viewer or was sent by it.
type Direction string

const (
	// DirectionInbound marks records enumerated from the viewer's inbox.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound marks records enumerated from the viewer's outbox.
	DirectionOutbound Direction = "outbound"
)

// MaxContentPointerLen is the ledger's hard limit for an encoded content address.
const MaxContentPointerLen = 64

// MessageRecord is one ledger-recorded message reference.
type MessageRecord struct {
	ID             string    `json:"id"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	ContentPointer []byte    `json:"content_pointer"`
	Timestamp      uint64    `json:"timestamp"`
	Read           bool      `json:"read"`
	Direction      Direction `json:"direction,omitempty"`
}

// ContentAddress returns the content pointer as a content-store address.
func (m MessageRecord) ContentAddress() string {
	return string(m.ContentPointer)
}

// Counterparty returns the side of the exchange that is not viewer.
// A self-message returns viewer.
func (m MessageRecord) Counterparty(viewer string) string {
	if m.Sender == viewer {
		return m.Recipient
	}
	return m.Sender
}

// IsSelf reports whether sender and recipient are the same account.
func (m MessageRecord) IsSelf() bool {
	return m.Sender == m.Recipient
}
