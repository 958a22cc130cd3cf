package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"secura/models"
)

// Memory is an in-process messaging ledger. Every accepted transaction is
// sealed in its own block, so record timestamps are strictly increasing.
type Memory struct {
	mu       sync.RWMutex
	height   uint64
	messages map[string]models.MessageRecord
	inbox    map[string][]string
	outbox   map[string][]string
	nonces   map[string]map[uint64]struct{}

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]chan uint64
}

// NewMemory returns an empty ledger at height zero.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]models.MessageRecord),
		inbox:    make(map[string][]string),
		outbox:   make(map[string][]string),
		nonces:   make(map[string]map[uint64]struct{}),
		subs:     make(map[int]chan uint64),
	}
}

// MessageID derives the ledger handle of a transaction.
func MessageID(sender, recipient string, pointer []byte, nonce uint64) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(sender))
	h.Write([]byte(recipient))
	h.Write(pointer)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	h.Write(nonceBytes[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Submit records a message from sender to recipient. A self-message is listed
// in both the sender's inbox and outbox.
func (m *Memory) Submit(sender, recipient string, pointer []byte, nonce uint64) (Receipt, error) {
	if sender == "" {
		return Receipt{}, fmt.Errorf("%w: sender is required", ErrRejected)
	}
	if recipient == "" {
		return Receipt{}, fmt.Errorf("%w: recipient is required", ErrRejected)
	}
	if len(pointer) == 0 {
		return Receipt{}, fmt.Errorf("%w: content pointer is required", ErrRejected)
	}
	if len(pointer) > models.MaxContentPointerLen {
		return Receipt{}, fmt.Errorf("%w: %d bytes", ErrPointerTooLong, len(pointer))
	}

	m.mu.Lock()
	seen := m.nonces[sender]
	if seen == nil {
		seen = make(map[uint64]struct{})
		m.nonces[sender] = seen
	}
	if _, dup := seen[nonce]; dup {
		m.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: nonce %d already used", ErrRejected, nonce)
	}
	seen[nonce] = struct{}{}

	m.height++
	id := MessageID(sender, recipient, pointer, nonce)
	m.messages[id] = models.MessageRecord{
		ID:             id,
		Sender:         sender,
		Recipient:      recipient,
		ContentPointer: append([]byte(nil), pointer...),
		Timestamp:      m.height,
	}
	m.outbox[sender] = append(m.outbox[sender], id)
	m.inbox[recipient] = append(m.inbox[recipient], id)
	height := m.height
	m.mu.Unlock()

	m.publishHead(height)
	return Receipt{ID: id, Height: height}, nil
}

// SubmitExtrinsic verifies a signed transaction and records it.
func (m *Memory) SubmitExtrinsic(ext Extrinsic) (Receipt, error) {
	pointer, err := ext.Verify()
	if err != nil {
		return Receipt{}, err
	}
	return m.Submit(ext.Signer, ext.Recipient, pointer, ext.Nonce)
}

// AdvanceBlock seals an empty block and returns the new height.
func (m *Memory) AdvanceBlock() uint64 {
	m.mu.Lock()
	m.height++
	height := m.height
	m.mu.Unlock()

	m.publishHead(height)
	return height
}

// Height returns the current block height.
func (m *Memory) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

// Inbox returns the ids of records addressed to address, in submission order.
func (m *Memory) Inbox(address string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.inbox[address]...)
}

// Outbox returns the ids of records sent by address, in submission order.
func (m *Memory) Outbox(address string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.outbox[address]...)
}

// Record returns a copy of the record stored under id.
func (m *Memory) Record(id string) (*models.MessageRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.messages[id]
	if !ok {
		return nil, false
	}
	record.ContentPointer = append([]byte(nil), record.ContentPointer...)
	return &record, true
}

// MarkRead sets the read flag of a record.
func (m *Memory) MarkRead(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.messages[id]
	if !ok {
		return false
	}
	record.Read = true
	m.messages[id] = record
	return true
}

// Forget removes a record while leaving its id in the reference lists, the
// way a pruned ledger leaves dangling references behind.
func (m *Memory) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
}

// SubscribeHeads streams new block heights until ctx ends. Slow subscribers
// miss heights rather than block the ledger.
func (m *Memory) SubscribeHeads(ctx context.Context) (<-chan uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan uint64, 16)

	m.subsMu.Lock()
	m.nextSub++
	key := m.nextSub
	m.subs[key] = ch
	m.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subsMu.Lock()
		delete(m.subs, key)
		close(ch)
		m.subsMu.Unlock()
	}()

	return ch, nil
}

func (m *Memory) publishHead(height uint64) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- height:
		default:
		}
	}
}

// As returns a Ledger view that submits as address without signatures.
func (m *Memory) As(address string) *Account {
	return &Account{memory: m, address: address}
}

// Account is a Memory view bound to one sending account.
type Account struct {
	memory  *Memory
	address string
	nonce   atomic.Uint64

	// Fail, when set, is returned by every call. Tests use it to simulate a
	// dropped connection.
	Fail error
}

// Address returns the account the view submits as.
func (a *Account) Address() string {
	return a.address
}

func (a *Account) InboxIDs(ctx context.Context, address string) ([]string, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	return a.memory.Inbox(address), nil
}

func (a *Account) OutboxIDs(ctx context.Context, address string) ([]string, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	return a.memory.Outbox(address), nil
}

func (a *Account) Message(ctx context.Context, id string) (*models.MessageRecord, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	record, ok := a.memory.Record(id)
	if !ok {
		return nil, nil
	}
	return record, nil
}

func (a *Account) SubmitMessage(ctx context.Context, recipient string, pointer []byte) (Receipt, error) {
	if err := a.check(ctx); err != nil {
		return Receipt{}, err
	}
	return a.memory.Submit(a.address, recipient, pointer, a.nonce.Add(1))
}

func (a *Account) SubscribeHeads(ctx context.Context) (<-chan uint64, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	return a.memory.SubscribeHeads(ctx)
}

func (a *Account) check(ctx context.Context) error {
	if a.Fail != nil {
		return a.Fail
	}
	if a.memory == nil {
		return ErrNotConnected
	}
	return ctx.Err()
}

var _ interface {
	Ledger
	HeadSubscriber
} = (*Account)(nil)
