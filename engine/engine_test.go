package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"secura/ledger"
	"secura/models"
	"secura/storage"
)

type engineFixture struct {
	memory  *ledger.Memory
	account *ledger.Account
	store   *countingStore
	engine  *Engine
	viewer  string
}

func newEngineFixture(t *testing.T, mutate func(*Options)) *engineFixture {
	t.Helper()
	signer := newTestSigner(t)
	memory := ledger.NewMemory()
	account := memory.As(signer.Address())
	store := newCountingStore()

	opts := Options{
		Signer:      signer,
		Ledger:      account,
		Store:       store,
		RereadDelay: 20 * time.Millisecond,
		TimeMapper:  NewTimeMapper(time.UnixMilli(0), 10*time.Millisecond),
		Log:         testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Close)

	return &engineFixture{memory: memory, account: account, store: store, engine: e, viewer: signer.Address()}
}

func TestNewValidatesOptions(t *testing.T) {
	signer := newTestSigner(t)
	account := ledger.NewMemory().As(signer.Address())
	store := newCountingStore()

	cases := []struct {
		opts Options
		want error
	}{
		{Options{Signer: signer, Store: store}, ErrNoLedger},
		{Options{Signer: signer, Ledger: account}, ErrNoContentStore},
		{Options{Ledger: account, Store: store}, ErrNoAccount},
		{Options{Viewer: "watcher", Ledger: account, Store: store}, ErrNoSigner},
		{Options{Viewer: "someone-else", Signer: signer, Ledger: account, Store: store}, ErrSignerMismatch},
	}
	for i, tc := range cases {
		if _, err := New(tc.opts); !errors.Is(err, tc.want) {
			t.Fatalf("case %d: expected %v, got %v", i, tc.want, err)
		}
	}

	readOnly, err := New(Options{Viewer: "watcher", ReadOnly: true, Ledger: account, Store: store})
	if err != nil {
		t.Fatalf("read-only engine failed: %v", err)
	}
	if _, err := readOnly.Send(context.Background(), "bob", TextBody("x")); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}

func TestEngineRefreshPublishesMergedView(t *testing.T) {
	f := newEngineFixture(t, nil)
	peer := newTestSigner(t).Address()

	inboundPtr := f.store.put([]byte("hello from peer"))
	if _, err := f.memory.Submit(peer, f.viewer, []byte(inboundPtr), 1); err != nil {
		t.Fatalf("Submit inbound: %v", err)
	}
	outboundPtr := f.store.put([]byte("hello back"))
	if _, err := f.memory.Submit(f.viewer, peer, []byte(outboundPtr), 1); err != nil {
		t.Fatalf("Submit outbound: %v", err)
	}

	if f.engine.View().Timeline.Len() != 0 {
		t.Fatalf("expected empty initial view")
	}
	view, err := f.engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if view.Timeline.Len() != 2 {
		t.Fatalf("expected two records, got %d", view.Timeline.Len())
	}
	if got := view.Contacts.Addresses(); len(got) != 1 || got[0] != peer {
		t.Fatalf("unexpected contacts %v", got)
	}
	if f.engine.View().Timeline.Len() != 2 {
		t.Fatalf("expected refreshed view to be published")
	}

	contents := f.engine.ResolveAll(context.Background(), view.Timeline.Records())
	if contents[0].Display() != "hello from peer" || contents[1].Display() != "hello back" {
		t.Fatalf("unexpected contents %q %q", contents[0].Display(), contents[1].Display())
	}
	waitFor(t, time.Second, func() bool {
		return f.engine.Lookup(view.Timeline.Records()[0]).State == StateResolved
	})
	if got := f.store.getCount(inboundPtr); got != 1 {
		t.Fatalf("expected prefetch and resolve to share one fetch, got %d", got)
	}
}

func TestEngineContentDecodesAttachment(t *testing.T) {
	f := newEngineFixture(t, nil)
	peer := newTestSigner(t).Address()

	blob := f.store.put(encodePNG(t, 4, 4))
	pointer := f.store.put([]byte(FormatAttachment("pic.png", blob)))
	if _, err := f.memory.Submit(peer, f.viewer, []byte(pointer), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view, err := f.engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	content := f.engine.Content(context.Background(), view.Timeline.Records()[0])
	if content.Attachment == nil || content.Attachment.State != StateResolved {
		t.Fatalf("expected resolved attachment, got %+v", content)
	}
	if content.Attachment.Attachment.Kind != models.KindImage || content.Attachment.Attachment.Filename != "pic.png" {
		t.Fatalf("unexpected attachment %+v", content.Attachment.Attachment)
	}
}

type countingLedger struct {
	ledger.Ledger
	mu    sync.Mutex
	reads int
}

func (c *countingLedger) InboxIDs(ctx context.Context, address string) ([]string, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Ledger.InboxIDs(ctx, address)
}

func (c *countingLedger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestEngineSendRereadsTwice(t *testing.T) {
	var counting *countingLedger
	f := newEngineFixture(t, func(opts *Options) {
		counting = &countingLedger{Ledger: opts.Ledger}
		opts.Ledger = counting
	})
	peer := newTestSigner(t).Address()

	result, err := f.engine.Send(context.Background(), peer, TextBody("ping"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := counting.count(); got != 1 {
		t.Fatalf("expected immediate re-read, got %d reads", got)
	}
	if ids := f.engine.View().Timeline.IDs(); len(ids) != 1 || ids[0] != result.Receipt.ID {
		t.Fatalf("expected sent record in view, got %v", ids)
	}

	f.engine.Wait()
	if got := counting.count(); got != 2 {
		t.Fatalf("expected delayed re-read, got %d reads", got)
	}
}

func TestEngineHaltsOnConnectionLossUntilResumed(t *testing.T) {
	f := newEngineFixture(t, nil)
	peer := newTestSigner(t).Address()

	f.account.Fail = ledger.ErrNotConnected
	if _, err := f.engine.Refresh(context.Background()); !errors.Is(err, ErrHalted) || !errors.Is(err, ledger.ErrNotConnected) {
		t.Fatalf("expected halt wrapping ErrNotConnected, got %v", err)
	}
	f.account.Fail = nil

	if _, err := f.engine.Send(context.Background(), peer, TextBody("x")); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halted send, got %v", err)
	}
	if len(f.store.puts) != 0 {
		t.Fatalf("expected halted send to write nothing")
	}
	if err := f.engine.Watch(context.Background(), nil); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halted watch, got %v", err)
	}

	f.engine.Resume()
	if f.engine.Halted() != nil {
		t.Fatalf("expected halt to be cleared")
	}
	if _, err := f.engine.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh after resume failed: %v", err)
	}
}

func TestEngineKeepsViewOnTransientFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	peer := newTestSigner(t).Address()
	pointer := f.store.put([]byte("kept"))
	if _, err := f.memory.Submit(peer, f.viewer, []byte(pointer), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.engine.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	f.account.Fail = errors.New("node busy")
	if _, err := f.engine.Refresh(context.Background()); err == nil || errors.Is(err, ErrHalted) {
		t.Fatalf("expected non-halting failure, got %v", err)
	}
	f.account.Fail = nil

	if f.engine.View().Timeline.Len() != 1 {
		t.Fatalf("expected previous view to survive a failed cycle")
	}
	if f.engine.Halted() != nil {
		t.Fatalf("transient failure must not halt the engine")
	}
}

func TestEngineWatchRefreshesOnNewHeads(t *testing.T) {
	f := newEngineFixture(t, nil)
	peer := newTestSigner(t).Address()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := make(chan View, 8)
	done := make(chan error, 1)
	go func() {
		done <- f.engine.Watch(ctx, func(v View) { views <- v })
	}()

	select {
	case v := <-views:
		if v.Timeline.Len() != 0 {
			t.Fatalf("expected empty first view")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial view")
	}

	pointer := f.store.put([]byte("new"))
	waitFor(t, time.Second, func() bool {
		if _, err := f.memory.Submit(peer, f.viewer, []byte(pointer), uint64(time.Now().UnixNano())); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		select {
		case v := <-views:
			return v.Timeline.Len() > 0
		case <-time.After(50 * time.Millisecond):
			return false
		}
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean watch exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("watch did not exit after cancel")
	}
}

func TestEngineTextRoundTrip(t *testing.T) {
	f := newEngineFixture(t, nil)
	peer := newTestSigner(t).Address()

	result, err := f.engine.Send(context.Background(), peer, TextBody("hello"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	records := f.engine.View().Timeline.Records()
	if len(records) != 1 || string(records[0].ContentPointer) != result.Address {
		t.Fatalf("unexpected timeline %+v", records)
	}
	if got := f.engine.Content(context.Background(), records[0]); got.Content.Text != "hello" {
		t.Fatalf("expected round trip text, got %+v", got.Content)
	}
}

func TestEngineFileRoundTrip(t *testing.T) {
	f := newEngineFixture(t, nil)
	peer := newTestSigner(t).Address()
	data := encodePNG(t, 5, 7)

	result, err := f.engine.Send(context.Background(), peer, FileMessage("shot.png", data))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	content := f.engine.Content(context.Background(), f.engine.View().Timeline.Records()[0])
	ref, ok := ParseAttachment(content.Content.Text)
	if !ok || ref.Filename != "shot.png" || ref.Address != result.BlobAddress {
		t.Fatalf("unexpected reference %q", content.Content.Text)
	}
	if content.Attachment == nil || content.Attachment.Attachment.Size != int64(len(data)) {
		t.Fatalf("expected fetchable blob, got %+v", content.Attachment)
	}
}

func TestEngineSelfSendYieldsOneEntry(t *testing.T) {
	f := newEngineFixture(t, nil)

	if _, err := f.engine.Send(context.Background(), f.viewer, TextBody("note to self")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	view := f.engine.View()
	if view.Timeline.Len() != 1 {
		t.Fatalf("expected one entry, got %d", view.Timeline.Len())
	}
	if view.Contacts.Len() != 0 {
		t.Fatalf("expected no contacts, got %v", view.Contacts.Addresses())
	}
}

func TestEngineRefreshIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, nil)
	for i := 0; i < 5; i++ {
		peer := newTestSigner(t).Address()
		pointer := f.store.put([]byte{byte('a' + i)})
		if _, err := f.memory.Submit(peer, f.viewer, []byte(pointer), uint64(i)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	first, err := f.engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	second, err := f.engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	a, b := first.Timeline.IDs(), second.Timeline.IDs()
	if len(a) != 5 || len(a) != len(b) {
		t.Fatalf("unexpected sizes %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("order differs at %d: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestEngineKeepsViewWhenRefreshIsCancelled(t *testing.T) {
	stub := newStubLedger()
	stub.inbox = []string{"id1"}
	stub.outbox = []string{"id2"}
	stub.add(record("id1", "B", "A", 1))
	stub.add(record("id2", "A", "B", 2))

	e, err := New(Options{Viewer: "A", ReadOnly: true, Ledger: stub, Store: newCountingStore(), Log: testLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()

	if _, err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	stub.block.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	view, err := e.Refresh(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if view.Timeline.Len() != 2 || e.View().Timeline.Len() != 2 {
		t.Fatalf("expected the previous two-record view, got %d", e.View().Timeline.Len())
	}
	if e.Halted() != nil {
		t.Fatalf("a cancelled cycle must not halt the engine")
	}
}

// closeAwareBacking counts backing calls made after it was marked closed.
type closeAwareBacking struct {
	ContentBacking
	closed atomic.Bool
	late   atomic.Int32
}

func (b *closeAwareBacking) LoadContent(address string) (string, error) {
	if b.closed.Load() {
		b.late.Add(1)
	}
	return b.ContentBacking.LoadContent(address)
}

func (b *closeAwareBacking) SaveContent(address, body string) error {
	if b.closed.Load() {
		b.late.Add(1)
	}
	return b.ContentBacking.SaveContent(address, body)
}

func TestEngineCloseStopsBackgroundFetches(t *testing.T) {
	db, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	backing := &closeAwareBacking{ContentBacking: db}

	f := newEngineFixture(t, func(opts *Options) { opts.Backing = backing })
	peer := newTestSigner(t).Address()
	pointer := f.store.put([]byte("slow"))
	if _, err := f.memory.Submit(peer, f.viewer, []byte(pointer), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.store.gate = make(chan struct{})
	view, err := f.engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	records := view.Timeline.Records()

	f.engine.Close()
	backing.closed.Store(true)
	if err := db.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	close(f.store.gate)
	time.Sleep(50 * time.Millisecond)

	if got := backing.late.Load(); got != 0 {
		t.Fatalf("expected no backing calls after Close, got %d", got)
	}
	if got := f.engine.Lookup(records[0]); got.State != StateFailed {
		t.Fatalf("expected the interrupted fetch to fail, got %s", got.State)
	}

	other := f.store.put([]byte("after close"))
	if got := f.engine.resolver.Resolve(context.Background(), other); !errors.Is(got.Err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %+v", got)
	}
	if got := f.store.getCount(other); got != 0 {
		t.Fatalf("expected no fetch after Close, got %d", got)
	}
}

func TestMessageContentSettled(t *testing.T) {
	cases := []struct {
		content MessageContent
		want    bool
	}{
		{MessageContent{Content: Resolution{State: StateResolved}}, true},
		{MessageContent{Content: Resolution{State: StateFailed}}, true},
		{MessageContent{Content: Resolution{State: StatePending}}, false},
		{MessageContent{Content: Resolution{State: StateUnknown}}, false},
		{MessageContent{Content: Resolution{State: StateResolved}, Attachment: &AttachmentResult{State: StatePending}}, false},
		{MessageContent{Content: Resolution{State: StateResolved}, Attachment: &AttachmentResult{State: StateFailed}}, true},
	}
	for i, tc := range cases {
		if got := tc.content.Settled(); got != tc.want {
			t.Fatalf("case %d: expected %v, got %v", i, tc.want, got)
		}
	}
}
