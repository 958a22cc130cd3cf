package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"secura/crypto"
	"secura/models"
)

const jsonRPCVersion = "2.0"

// JSON-RPC methods served by the ledger node.
const (
	MethodInbox            = "messaging_inbox"
	MethodOutbox           = "messaging_outbox"
	MethodMessage          = "messaging_message"
	MethodSendMessage      = "messaging_sendMessage"
	MethodSubscribeHeads   = "chain_subscribeNewHeads"
	MethodUnsubscribeHeads = "chain_unsubscribeNewHeads"
	NotificationNewHead    = "chain_newHead"
)

// JSON-RPC error codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodePointerTooLong   = 1001
	CodeInvalidSignature = 1002
	CodeRejected         = 1003
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// envelope is any frame the client can receive: a response or a notification.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type head struct {
	Number uint64 `json:"number"`
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger: rpc error %d: %s", e.Code, e.Message)
}

// Is maps node error codes onto the package sentinels.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case CodePointerTooLong:
		return target == ErrPointerTooLong
	case CodeInvalidSignature:
		return target == ErrInvalidSignature
	case CodeRejected:
		return target == ErrRejected
	default:
		return false
	}
}

func rpcErrorFrom(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrPointerTooLong):
		return &RPCError{Code: CodePointerTooLong, Message: err.Error()}
	case errors.Is(err, ErrInvalidSignature):
		return &RPCError{Code: CodeInvalidSignature, Message: err.Error()}
	case errors.Is(err, ErrRejected):
		return &RPCError{Code: CodeRejected, Message: err.Error()}
	default:
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
}

// wireRecord is the node's JSON form of a message record.
type wireRecord struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	ContentCid string `json:"contentCid"`
	Timestamp  uint64 `json:"timestamp"`
	Read       bool   `json:"read"`
}

func encodePointer(pointer []byte) string {
	return "0x" + hex.EncodeToString(pointer)
}

func decodePointer(encoded string) ([]byte, error) {
	if !strings.HasPrefix(encoded, "0x") {
		return nil, errors.New("content pointer missing 0x prefix")
	}
	return hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
}

func toWire(record models.MessageRecord) wireRecord {
	return wireRecord{
		Sender:     record.Sender,
		Recipient:  record.Recipient,
		ContentCid: encodePointer(record.ContentPointer),
		Timestamp:  record.Timestamp,
		Read:       record.Read,
	}
}

// decodeRecord turns a messaging_message result into a record. A JSON null
// result yields nil, nil.
func decodeRecord(id string, raw json.RawMessage) (*models.MessageRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var wire wireRecord
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, id, err)
	}
	if wire.Sender == "" || wire.Recipient == "" {
		return nil, fmt.Errorf("%w: %s: missing sender or recipient", ErrMalformedRecord, id)
	}
	pointer, err := decodePointer(wire.ContentCid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, id, err)
	}
	if len(pointer) == 0 || len(pointer) > models.MaxContentPointerLen {
		return nil, fmt.Errorf("%w: %s: content pointer length %d", ErrMalformedRecord, id, len(pointer))
	}

	return &models.MessageRecord{
		ID:             id,
		Sender:         wire.Sender,
		Recipient:      wire.Recipient,
		ContentPointer: pointer,
		Timestamp:      wire.Timestamp,
		Read:           wire.Read,
	}, nil
}

// Extrinsic is a signed sendMessage transaction.
type Extrinsic struct {
	Signer     string `json:"signer"`
	PublicKey  string `json:"publicKey"`
	Recipient  string `json:"recipient"`
	ContentCid string `json:"contentCid"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"`
}

// SignExtrinsic builds and signs a sendMessage transaction.
func SignExtrinsic(signer Signer, recipient string, pointer []byte, nonce uint64) (Extrinsic, error) {
	if signer == nil {
		return Extrinsic{}, ErrNoSigner
	}
	ext := Extrinsic{
		Signer:     signer.Address(),
		PublicKey:  hex.EncodeToString(signer.PublicKey()),
		Recipient:  recipient,
		ContentCid: encodePointer(pointer),
		Nonce:      nonce,
	}
	signable, err := ext.signable()
	if err != nil {
		return Extrinsic{}, err
	}
	signature, err := signer.Sign(signable)
	if err != nil {
		return Extrinsic{}, fmt.Errorf("sign extrinsic: %w", err)
	}
	ext.Signature = hex.EncodeToString(signature)
	return ext, nil
}

// Verify checks that the signature was made by the key behind ext.Signer and
// returns the decoded content pointer.
func (ext Extrinsic) Verify() ([]byte, error) {
	publicKey, err := hex.DecodeString(ext.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %v", ErrInvalidSignature, err)
	}
	if crypto.AddressFromPublicKey(publicKey) != ext.Signer {
		return nil, fmt.Errorf("%w: public key does not match signer", ErrInvalidSignature)
	}
	signature, err := hex.DecodeString(ext.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", ErrInvalidSignature, err)
	}
	signable, err := ext.signable()
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return nil, ErrInvalidSignature
	}

	pointer, err := decodePointer(ext.ContentCid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return pointer, nil
}

func (ext Extrinsic) signable() ([]byte, error) {
	payload := ext
	payload.Signature = ""
	signable, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal extrinsic signable payload: %w", err)
	}
	return signable, nil
}

func decodeParams(raw json.RawMessage, targets ...any) error {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("params must be an array: %w", err)
	}
	if len(params) != len(targets) {
		return fmt.Errorf("expected %d params, got %d", len(targets), len(params))
	}
	for i, target := range targets {
		if err := json.Unmarshal(params[i], target); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}
	return nil
}
