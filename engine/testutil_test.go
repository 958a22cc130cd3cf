package engine

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"secura/contentstore"
	"secura/crypto"
	"secura/ledger"
	"secura/models"
)

// stubLedger serves fixed mailboxes and counts record fetches.
type stubLedger struct {
	inbox   []string
	outbox  []string
	records map[string]*models.MessageRecord
	errs    map[string]error
	listErr error
	delay   time.Duration
	// block makes Message wait for ctx to end.
	block atomic.Bool

	mu          sync.Mutex
	fetches     map[string]int
	lists       int
	inFlight    int32
	maxInFlight int32
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		records: make(map[string]*models.MessageRecord),
		errs:    make(map[string]error),
		fetches: make(map[string]int),
	}
}

func (s *stubLedger) add(record models.MessageRecord) {
	r := record
	s.records[record.ID] = &r
}

func (s *stubLedger) InboxIDs(ctx context.Context, address string) ([]string, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]string(nil), s.inbox...), nil
}

func (s *stubLedger) OutboxIDs(ctx context.Context, address string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]string(nil), s.outbox...), nil
}

func (s *stubLedger) Message(ctx context.Context, id string) (*models.MessageRecord, error) {
	current := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&s.maxInFlight)
		if current <= seen || atomic.CompareAndSwapInt32(&s.maxInFlight, seen, current) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.block.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.fetches[id]++
	s.mu.Unlock()

	if err := s.errs[id]; err != nil {
		return nil, err
	}
	record, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *stubLedger) SubmitMessage(ctx context.Context, recipient string, pointer []byte) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.ErrRejected
}

func (s *stubLedger) fetchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

// countingStore is an in-memory content store that counts reads per address.
type countingStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	mediaTypes map[string]string
	gets       map[string]int
	blobGets   map[string]int
	puts       [][]byte
	putErr     error
	getErr     error
	addressFor func([]byte) string
	gate       chan struct{}
}

func newCountingStore() *countingStore {
	return &countingStore{
		objects:    make(map[string][]byte),
		mediaTypes: make(map[string]string),
		gets:       make(map[string]int),
		blobGets:   make(map[string]int),
	}
}

func (s *countingStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	address := contentstore.ComputeAddress(data)
	if s.addressFor != nil {
		address = s.addressFor(data)
	}
	s.objects[address] = append([]byte(nil), data...)
	s.puts = append(s.puts, append([]byte(nil), data...))
	return address, nil
}

func (s *countingStore) put(data []byte) string {
	address, _ := s.Put(context.Background(), data)
	return address
}

func (s *countingStore) Get(ctx context.Context, address string) (io.ReadCloser, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets[address]++
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.objects[address]
	if !ok {
		return nil, contentstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *countingStore) GetBlob(ctx context.Context, address string) (contentstore.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobGets[address]++
	data, ok := s.objects[address]
	if !ok {
		return contentstore.Blob{}, contentstore.ErrNotFound
	}
	return contentstore.Blob{Data: data, MediaType: s.mediaTypes[address]}, nil
}

func (s *countingStore) BlobURL(address string) string {
	return "http://gateway.test/ipfs/" + address
}

func (s *countingStore) getCount(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[address]
}

func (s *countingStore) blobGetCount(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobGets[address]
}

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := crypto.NewSigner(privateKey)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return signer
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
