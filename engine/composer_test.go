package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"secura/contentstore"
	"secura/ledger"
	"secura/storage"
)

// recordingSendLog keeps every send and its status history.
type recordingSendLog struct {
	mu       sync.Mutex
	sends    map[string]storage.Send
	statuses map[string][]string
}

func newRecordingSendLog() *recordingSendLog {
	return &recordingSendLog{
		sends:    make(map[string]storage.Send),
		statuses: make(map[string][]string),
	}
}

func (l *recordingSendLog) CreateSend(send storage.Send) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := "send-" + string(rune('a'+len(l.sends)))
	send.SendID = id
	l.sends[id] = send
	l.statuses[id] = []string{send.Status}
	return id, nil
}

func (l *recordingSendLog) UpdateSend(sendID string, update storage.SendUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	send, ok := l.sends[sendID]
	if !ok {
		return storage.ErrNotFound
	}
	send.Status = update.Status
	if update.ContentAddress != "" {
		send.ContentAddress = update.ContentAddress
	}
	if update.RecordID != "" {
		send.RecordID = update.RecordID
	}
	send.Error = update.Error
	l.sends[sendID] = send
	l.statuses[sendID] = append(l.statuses[sendID], update.Status)
	return nil
}

func TestComposerSendsTextMessage(t *testing.T) {
	memory := ledger.NewMemory()
	store := newCountingStore()
	sendLog := newRecordingSendLog()
	composer := NewComposer("alice", store, memory.As("alice"), sendLog, testLogger())

	result, err := composer.Send(context.Background(), "bob", TextBody("hi bob"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result.Address != contentstore.ComputeAddress([]byte("hi bob")) {
		t.Fatalf("unexpected address %q", result.Address)
	}
	stored, ok := memory.Record(result.Receipt.ID)
	if !ok || string(stored.ContentPointer) != result.Address || stored.Recipient != "bob" {
		t.Fatalf("unexpected ledger record %+v", stored)
	}

	send := sendLog.sends[result.SendID]
	if send.Status != storage.SendStatusSubmitted || send.RecordID != result.Receipt.ID {
		t.Fatalf("unexpected send log entry %+v", send)
	}
	want := []string{storage.SendStatusPending, storage.SendStatusStored, storage.SendStatusSubmitted}
	if got := sendLog.statuses[result.SendID]; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected status history %v", got)
	}
}

func TestComposerSendsFileAsReference(t *testing.T) {
	memory := ledger.NewMemory()
	store := newCountingStore()
	composer := NewComposer("alice", store, memory.As("alice"), nil, testLogger())
	data := []byte("%PDF-1.4 fake")

	result, err := composer.Send(context.Background(), "bob", FileMessage("q3: report.pdf", data))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(store.puts) != 2 || string(store.puts[0]) != string(data) {
		t.Fatalf("expected blob stored before reference, got %d puts", len(store.puts))
	}
	if result.BlobAddress != contentstore.ComputeAddress(data) {
		t.Fatalf("unexpected blob address %q", result.BlobAddress)
	}

	ref, ok := ParseAttachment(string(store.puts[1]))
	if !ok {
		t.Fatalf("stored payload %q is not an attachment reference", store.puts[1])
	}
	if ref.Filename != "q3_ report.pdf" || ref.Address != result.BlobAddress {
		t.Fatalf("unexpected reference %+v", ref)
	}
}

func TestComposerRejectsOversizedPointerWithoutSubmitting(t *testing.T) {
	memory := ledger.NewMemory()
	store := newCountingStore()
	store.addressFor = func([]byte) string { return "b" + strings.Repeat("a", 64) }
	sendLog := newRecordingSendLog()
	composer := NewComposer("alice", store, memory.As("alice"), sendLog, testLogger())

	result, err := composer.Send(context.Background(), "bob", TextBody("too long"))
	if !errors.Is(err, ErrOversizedPointer) {
		t.Fatalf("expected ErrOversizedPointer, got %v", err)
	}
	var oversized *OversizedPointerError
	if !errors.As(err, &oversized) || oversized.Length != 65 {
		t.Fatalf("expected OversizedPointerError of 65 bytes, got %v", err)
	}
	if got := memory.Outbox("alice"); len(got) != 0 {
		t.Fatalf("expected nothing submitted, got %v", got)
	}
	if sendLog.sends[result.SendID].Status != storage.SendStatusRejected {
		t.Fatalf("expected rejected send, got %+v", sendLog.sends[result.SendID])
	}
}

func TestComposerReportsOrphanOnSubmitFailure(t *testing.T) {
	memory := ledger.NewMemory()
	account := memory.As("alice")
	account.Fail = ledger.ErrRejected
	store := newCountingStore()
	sendLog := newRecordingSendLog()
	composer := NewComposer("alice", store, account, sendLog, testLogger())

	result, err := composer.Send(context.Background(), "bob", TextBody("orphan"))
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ledger cause to be wrapped, got %v", err)
	}
	if subErr.Address != contentstore.ComputeAddress([]byte("orphan")) {
		t.Fatalf("unexpected orphan address %q", subErr.Address)
	}
	send := sendLog.sends[result.SendID]
	if send.Status != storage.SendStatusFailed || send.ContentAddress != subErr.Address {
		t.Fatalf("expected failed send with orphan address, got %+v", send)
	}
}

func TestComposerValidatesInput(t *testing.T) {
	memory := ledger.NewMemory()
	store := newCountingStore()
	composer := NewComposer("alice", store, memory.As("alice"), nil, testLogger())

	if _, err := composer.Send(context.Background(), "bob", Body{}); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
	if _, err := composer.Send(context.Background(), "  ", TextBody("x")); err == nil {
		t.Fatalf("expected recipient validation error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := composer.Send(ctx, "bob", TextBody("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error before any write, got %v", err)
	}
	if len(store.puts) != 0 {
		t.Fatalf("expected no store writes, got %d", len(store.puts))
	}
}
