package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"secura/contentstore"
	"secura/storage"
)

const (
	// DefaultFetchTimeout bounds one content fetch.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxContentBytes caps a text payload.
	DefaultMaxContentBytes int64 = 1 << 20

	// PlaceholderPending is displayed while a resolution is in flight.
	PlaceholderPending = "[loading]"
	// PlaceholderUnavailable is displayed for content that failed to resolve.
	PlaceholderUnavailable = "[content unavailable]"
)

var (
	// ErrInvalidText indicates a payload that is not valid UTF-8.
	ErrInvalidText = errors.New("engine: content is not valid UTF-8 text")
	// ErrContentTooLarge indicates a payload above the resolver's size cap.
	ErrContentTooLarge = errors.New("engine: content exceeds size limit")
	// ErrClosed is the failure recorded for work requested after Close.
	ErrClosed = errors.New("engine: closed")
)

// ResolutionState is the lifecycle state of one content address.
type ResolutionState int

const (
	StateUnknown ResolutionState = iota
	StatePending
	StateResolved
	StateFailed
)

func (s ResolutionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ResolutionState) final() bool {
	return s == StateResolved || s == StateFailed
}

// Resolution is the outcome of resolving one content address.
type Resolution struct {
	State ResolutionState
	Text  string
	Err   error
}

// Display returns the text to show for this resolution.
func (r Resolution) Display() string {
	switch r.State {
	case StateResolved:
		return r.Text
	case StateFailed:
		return PlaceholderUnavailable
	default:
		return PlaceholderPending
	}
}

// ContentBacking persists resolved text across process restarts.
// storage.Store satisfies it.
type ContentBacking interface {
	LoadContent(address string) (string, error)
	SaveContent(address, body string) error
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Store           contentstore.Store
	Backing         ContentBacking
	FetchTimeout    time.Duration
	MaxContentBytes int64
	Log             zerolog.Logger
}

type resolveEntry struct {
	done   chan struct{}
	result Resolution
}

// Resolver maps content addresses to text. Each address is fetched from the
// store at most once per process; failures stay cached until ClearFailures.
// Fetches run detached from callers and end at Close.
type Resolver struct {
	store    contentstore.Store
	backing  ContentBacking
	timeout  time.Duration
	maxBytes int64
	log      zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	fills  sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	entries map[string]*resolveEntry
}

// NewResolver returns a resolver over opts.Store.
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	base, cancel := context.WithCancel(context.Background())
	return &Resolver{
		base:     base,
		cancel:   cancel,
		store:    opts.Store,
		backing:  opts.Backing,
		timeout:  opts.FetchTimeout,
		maxBytes: opts.MaxContentBytes,
		log:      opts.Log,
		entries:  make(map[string]*resolveEntry),
	}
}

// Resolve waits for the text of address. When ctx ends first it returns a
// pending resolution; the fetch itself keeps running and fills the cache.
func (r *Resolver) Resolve(ctx context.Context, address string) Resolution {
	entry := r.start(address)
	select {
	case <-entry.done:
		return entry.result
	case <-ctx.Done():
		return Resolution{State: StatePending}
	}
}

// Prefetch starts resolving each address without waiting.
func (r *Resolver) Prefetch(addresses []string) {
	for _, address := range addresses {
		r.start(address)
	}
}

// Close cancels in-flight fetches and waits for them to finish. Nothing
// touches the store or the backing once Close returns.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.fills.Wait()
}

// Lookup returns the current state of address without starting a fetch.
func (r *Resolver) Lookup(address string) Resolution {
	r.mu.Lock()
	entry, ok := r.entries[address]
	r.mu.Unlock()
	if !ok {
		return Resolution{State: StateUnknown}
	}
	select {
	case <-entry.done:
		return entry.result
	default:
		return Resolution{State: StatePending}
	}
}

// ClearFailures drops failed entries so the next Resolve fetches again.
// It returns the number of entries dropped.
func (r *Resolver) ClearFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := 0
	for address, entry := range r.entries {
		select {
		case <-entry.done:
			if entry.result.State == StateFailed {
				delete(r.entries, address)
				cleared++
			}
		default:
		}
	}
	return cleared
}

// start claims address for fetching, or returns the existing claim. A
// closed resolver hands back an uncached failure.
func (r *Resolver) start(address string) *resolveEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[address]; ok {
		return entry
	}
	entry := &resolveEntry{done: make(chan struct{})}
	if r.closed {
		entry.result = Resolution{State: StateFailed, Err: ErrClosed}
		close(entry.done)
		return entry
	}
	r.entries[address] = entry

	r.fills.Add(1)
	go func() {
		defer r.fills.Done()
		r.fill(r.base, address, entry)
	}()
	return entry
}

func (r *Resolver) fill(ctx context.Context, address string, entry *resolveEntry) {
	defer close(entry.done)

	if text, ok := r.loadBacked(address); ok {
		entry.result = Resolution{State: StateResolved, Text: text}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.fetch(ctx, address)
	if err != nil {
		r.log.Debug().Err(err).Str("address", address).Msg("content resolution failed")
		entry.result = Resolution{State: StateFailed, Err: err}
		return
	}
	entry.result = Resolution{State: StateResolved, Text: text}

	if r.backing != nil && r.base.Err() == nil {
		if err := r.backing.SaveContent(address, text); err != nil {
			r.log.Warn().Err(err).Str("address", address).Msg("persist resolved content")
		}
	}
}

func (r *Resolver) loadBacked(address string) (string, bool) {
	if r.backing == nil {
		return "", false
	}
	text, err := r.backing.LoadContent(address)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn().Err(err).Str("address", address).Msg("load persisted content")
		}
		return "", false
	}
	return text, true
}

func (r *Resolver) fetch(ctx context.Context, address string) (string, error) {
	body, err := r.store.Get(ctx, address)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", address, err)
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", address, err)
	}
	if int64(len(raw)) > r.maxBytes {
		return "", fmt.Errorf("%s: %w", address, ErrContentTooLarge)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s: %w", address, ErrInvalidText)
	}
	return string(raw), nil
}
