// Package engine turns ledger message references into a viewer's merged
// timeline and resolves their content from the content store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"secura/contentstore"
	"secura/ledger"
	"secura/models"
)

// DefaultRereadDelay is the wait before the follow-up read after a send.
const DefaultRereadDelay = 2 * time.Second

var (
	ErrNoLedger       = errors.New("engine: ledger is required")
	ErrNoContentStore = errors.New("engine: content store is required")
	ErrNoAccount      = errors.New("engine: viewer account is required")
	ErrNoSigner       = errors.New("engine: sending requires a signing account")
	ErrSignerMismatch = errors.New("engine: signer does not match viewer")
	// ErrHalted is returned by every operation after the ledger connection was
	// lost, until Resume is called.
	ErrHalted = errors.New("engine: halted")
)

// SnapshotStore persists the last published timeline. storage.Store satisfies it.
type SnapshotStore interface {
	SaveTimeline(viewer string, records []models.MessageRecord) error
}

// Options configures an Engine.
type Options struct {
	// Viewer is the account whose timeline is read. It defaults to the
	// signer's address.
	Viewer string
	// Signer is the viewer's credential. The ledger signs with it; the engine
	// only checks that it belongs to Viewer.
	Signer ledger.Signer
	// ReadOnly permits an engine without a Signer. Send then fails.
	ReadOnly bool
	Ledger ledger.Ledger
	Store  contentstore.Store
	// Blobs fetches attachment blobs. When nil, Store is used if it
	// implements contentstore.BlobFetcher.
	Blobs     contentstore.BlobFetcher
	Backing   ContentBacking
	Snapshots SnapshotStore
	SendLog   SendLog

	TimeMapper        TimeMapper
	RereadDelay       time.Duration
	FetchTimeout      time.Duration
	ReaderConcurrency int
	Log               zerolog.Logger
}

// View is one published read cycle.
type View struct {
	Viewer      string
	Timeline    Timeline
	Contacts    ContactSet
	RefreshedAt time.Time
}

// MessageContent is a record with its resolved payload.
type MessageContent struct {
	Record     models.MessageRecord
	Content    Resolution
	Attachment *AttachmentResult
}

// Display returns the text to show for the record.
func (m MessageContent) Display() string {
	if m.Attachment != nil {
		return m.Attachment.Display()
	}
	return m.Content.Display()
}

// Settled reports whether the payload, and any attachment it references,
// reached a final state. A pending result may still change.
func (m MessageContent) Settled() bool {
	if !m.Content.State.final() {
		return false
	}
	return m.Attachment == nil || m.Attachment.State.final()
}

// Engine is the client-side messaging engine for one viewer.
type Engine struct {
	viewer     string
	signer     ledger.Signer
	ledger     ledger.Ledger
	reader     *Reader
	resolver   *Resolver
	decoder    *Decoder
	composer   *Composer
	snapshots  SnapshotStore
	timeMapper TimeMapper
	reread     time.Duration
	log        zerolog.Logger

	view      atomic.Pointer[View]
	refreshMu sync.Mutex

	haltMu sync.Mutex
	halted error

	closeOnce sync.Once
	closed    chan struct{}
	pending   sync.WaitGroup
}

// New validates opts and returns an engine with an empty view.
func New(opts Options) (*Engine, error) {
	if opts.Ledger == nil {
		return nil, ErrNoLedger
	}
	if opts.Store == nil {
		return nil, ErrNoContentStore
	}
	if opts.Viewer == "" && opts.Signer != nil {
		opts.Viewer = opts.Signer.Address()
	}
	if opts.Viewer == "" {
		return nil, ErrNoAccount
	}
	if opts.Signer == nil && !opts.ReadOnly {
		return nil, ErrNoSigner
	}
	if opts.Signer != nil && opts.Signer.Address() != opts.Viewer {
		return nil, fmt.Errorf("%w: %s", ErrSignerMismatch, opts.Signer.Address())
	}
	if opts.Blobs == nil {
		if fetcher, ok := opts.Store.(contentstore.BlobFetcher); ok {
			opts.Blobs = fetcher
		}
	}
	if opts.TimeMapper.Interval <= 0 {
		opts.TimeMapper = DefaultTimeMapper()
	}
	if opts.RereadDelay <= 0 {
		opts.RereadDelay = DefaultRereadDelay
	}

	log := opts.Log.With().Str("component", "engine").Str("viewer", opts.Viewer).Logger()
	e := &Engine{
		viewer: opts.Viewer,
		signer: opts.Signer,
		ledger: opts.Ledger,
		reader: NewReader(opts.Ledger, opts.ReaderConcurrency, log),
		resolver: NewResolver(ResolverOptions{
			Store:        opts.Store,
			Backing:      opts.Backing,
			FetchTimeout: opts.FetchTimeout,
			Log:          log,
		}),
		composer:   NewComposer(opts.Viewer, opts.Store, opts.Ledger, opts.SendLog, log),
		snapshots:  opts.Snapshots,
		timeMapper: opts.TimeMapper,
		reread:     opts.RereadDelay,
		log:        log,
		closed:     make(chan struct{}),
	}
	if opts.Blobs != nil {
		e.decoder = NewDecoder(opts.Blobs, opts.FetchTimeout, log)
	}
	e.view.Store(&View{Viewer: opts.Viewer})
	return e, nil
}

// Viewer returns the account this engine reads for.
func (e *Engine) Viewer() string {
	return e.viewer
}

// TimeMapper returns the engine's height-to-time mapping.
func (e *Engine) TimeMapper() TimeMapper {
	return e.timeMapper
}

// View returns the most recently published view.
func (e *Engine) View() View {
	return *e.view.Load()
}

// Halted returns the cause of the halt, or nil while running.
func (e *Engine) Halted() error {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	return e.halted
}

// Resume clears a halt so the engine accepts operations again.
func (e *Engine) Resume() {
	e.haltMu.Lock()
	e.halted = nil
	e.haltMu.Unlock()
}

func (e *Engine) checkHalted() error {
	if cause := e.Halted(); cause != nil {
		return fmt.Errorf("%w: %w", ErrHalted, cause)
	}
	return nil
}

// observe halts the engine when err is a connection loss and returns the
// error the caller should report.
func (e *Engine) observe(err error) error {
	if err == nil || !errors.Is(err, ledger.ErrNotConnected) {
		return err
	}
	e.haltMu.Lock()
	if e.halted == nil {
		e.halted = err
		e.log.Error().Err(err).Msg("ledger connection lost, engine halted")
	}
	e.haltMu.Unlock()
	return fmt.Errorf("%w: %w", ErrHalted, err)
}

// Refresh runs one read cycle and publishes its view. On failure the
// previous view stays published. Content resolution for the new view starts
// in the background.
func (e *Engine) Refresh(ctx context.Context) (View, error) {
	if err := e.checkHalted(); err != nil {
		return e.View(), err
	}

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	inbound, outbound, err := e.reader.Read(ctx, e.viewer)
	if err != nil {
		return e.View(), e.observe(err)
	}
	timeline, contacts := Merge(e.viewer, inbound, outbound)
	view := &View{
		Viewer:      e.viewer,
		Timeline:    timeline,
		Contacts:    contacts,
		RefreshedAt: time.Now(),
	}
	e.view.Store(view)

	e.log.Debug().
		Int("records", timeline.Len()).
		Int("contacts", contacts.Len()).
		Msg("timeline refreshed")

	if e.snapshots != nil {
		if err := e.snapshots.SaveTimeline(e.viewer, timeline.Records()); err != nil {
			e.log.Warn().Err(err).Msg("save timeline snapshot")
		}
	}
	e.resolver.Prefetch(timeline.ContentAddresses())
	return *view, nil
}

// Content resolves a record's payload, and its attachment when the payload
// references one.
func (e *Engine) Content(ctx context.Context, record models.MessageRecord) MessageContent {
	out := MessageContent{
		Record:  record,
		Content: e.resolver.Resolve(ctx, record.ContentAddress()),
	}
	if out.Content.State != StateResolved || e.decoder == nil {
		return out
	}
	if ref, ok := ParseAttachment(out.Content.Text); ok {
		result := e.decoder.Decode(ctx, ref)
		out.Attachment = &result
	}
	return out
}

// Lookup returns a record's content state without fetching.
func (e *Engine) Lookup(record models.MessageRecord) Resolution {
	return e.resolver.Lookup(record.ContentAddress())
}

// ResolveAll resolves records concurrently and returns them in input order.
func (e *Engine) ResolveAll(ctx context.Context, records []models.MessageRecord) []MessageContent {
	out := make([]MessageContent, len(records))
	var g errgroup.Group
	g.SetLimit(DefaultReaderConcurrency)
	for i, record := range records {
		g.Go(func() error {
			out[i] = e.Content(ctx, record)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ClearFailures lets failed content and attachments be fetched again.
func (e *Engine) ClearFailures() int {
	cleared := e.resolver.ClearFailures()
	if e.decoder != nil {
		cleared += e.decoder.ClearFailures()
	}
	return cleared
}

// Send stores body and submits it to recipient, then re-reads the timeline
// immediately and once more after the reread delay.
func (e *Engine) Send(ctx context.Context, recipient string, body Body) (SendResult, error) {
	if err := e.checkHalted(); err != nil {
		return SendResult{}, err
	}
	if e.signer == nil {
		return SendResult{}, ErrNoSigner
	}

	result, err := e.composer.Send(ctx, recipient, body)
	if err != nil {
		return result, e.observe(err)
	}

	if _, err := e.Refresh(ctx); err != nil {
		e.log.Warn().Err(err).Msg("re-read after send")
	}
	e.scheduleReread()
	return result, nil
}

func (e *Engine) scheduleReread() {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		timer := time.NewTimer(e.reread)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.closed:
			return
		}
		if _, err := e.Refresh(context.Background()); err != nil {
			e.log.Warn().Err(err).Msg("delayed re-read after send")
		}
	}()
}

// Wait blocks until scheduled follow-up reads have run.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Watch refreshes on every new ledger head and calls onView with each
// published view. Ledgers without head notifications are polled once per
// block interval. Watch returns nil when ctx ends and ErrHalted when the
// connection is lost.
func (e *Engine) Watch(ctx context.Context, onView func(View)) error {
	if err := e.checkHalted(); err != nil {
		return err
	}

	refresh := func() error {
		view, err := e.Refresh(ctx)
		if err != nil {
			if errors.Is(err, ErrHalted) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn().Err(err).Msg("watch refresh failed")
			return nil
		}
		if onView != nil {
			onView(view)
		}
		return nil
	}

	if err := refresh(); err != nil || ctx.Err() != nil {
		return err
	}

	subscriber, ok := e.ledger.(ledger.HeadSubscriber)
	if !ok {
		return e.poll(ctx, refresh)
	}
	heads, err := subscriber.SubscribeHeads(ctx)
	if err != nil {
		if observed := e.observe(err); errors.Is(observed, ErrHalted) {
			return observed
		}
		e.log.Warn().Err(err).Msg("head subscription unavailable, polling")
		return e.poll(ctx, refresh)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case height, ok := <-heads:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return e.observe(ledger.ErrNotConnected)
			}
			e.log.Debug().Uint64("height", height).Msg("new head")
			if err := refresh(); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) poll(ctx context.Context, refresh func() error) error {
	ticker := time.NewTicker(e.timeMapper.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := refresh(); err != nil {
				return err
			}
		}
	}
}

// Close cancels scheduled follow-up reads and background content fetches
// and waits for them to exit. The engine does not use its store, backing or
// ledger after Close returns.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.pending.Wait()
	e.resolver.Close()
	if e.decoder != nil {
		e.decoder.Close()
	}
}
