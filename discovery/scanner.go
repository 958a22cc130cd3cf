package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventDevnetUpserted is emitted when a devnet appears or its metadata changes.
	EventDevnetUpserted EventType = "devnet_upserted"
	// EventDevnetRemoved is emitted when a previously seen devnet disappears.
	EventDevnetRemoved EventType = "devnet_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type   EventType
	Devnet Devnet
}

// Devnet is a discovered devnet endpoint set.
type Devnet struct {
	InstanceID          string
	Name                string
	Version             int
	HostName            string
	LedgerPort          int
	ContentPort         int
	GenesisUnixMilli    int64
	BlockIntervalMillis int64
	Addresses           []string
	LastSeen            time.Time
}

func (d Devnet) host() string {
	if len(d.Addresses) > 0 {
		return d.Addresses[0]
	}
	return strings.TrimSuffix(d.HostName, ".")
}

// LedgerURL is the websocket endpoint of the devnet ledger.
func (d Devnet) LedgerURL() string {
	return "ws://" + net.JoinHostPort(d.host(), strconv.Itoa(d.LedgerPort))
}

// ContentAPIURL is the content store API root of the devnet.
func (d Devnet) ContentAPIURL() string {
	return "http://" + net.JoinHostPort(d.host(), strconv.Itoa(d.ContentPort)) + "/api/v0"
}

// GatewayURL is the blob gateway of the devnet.
func (d Devnet) GatewayURL() string {
	return "http://" + net.JoinHostPort(d.host(), strconv.Itoa(d.ContentPort))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers devnets with periodic and manual mDNS browse operations.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu      sync.RWMutex
	devnets map[string]Devnet

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		devnets:         make(map[string]Devnet),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Browse runs a single scan window and returns what it found.
func Browse(ctx context.Context, config Config) ([]Devnet, error) {
	scanner, err := NewScanner(config)
	if err != nil {
		return nil, err
	}
	scanner.ctx, scanner.cancel = context.WithCancel(ctx)
	defer scanner.cancel()

	if err := scanner.runScan(ctx); err != nil {
		return nil, err
	}
	return scanner.List(), nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// List returns the current devnets ordered by name.
func (s *Scanner) List() []Devnet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Devnet, 0, len(s.devnets))
	for _, devnet := range s.devnets {
		out = append(out, devnet)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Devnet)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				devnet, ok := parseEntry(entry, s.cfg.InstanceID)
				if !ok {
					continue
				}
				devnet.LastSeen = time.Now()
				collectedMu.Lock()
				collected[devnet.InstanceID] = devnet
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Devnet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.devnets
	s.devnets = next

	for id, devnet := range next {
		old, exists := previous[id]
		if !exists || !devnetsEqual(old, devnet) {
			s.emitEvent(Event{Type: EventDevnetUpserted, Devnet: devnet})
		}
	}

	for id, devnet := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventDevnetRemoved, Devnet: devnet})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfInstanceID string) (Devnet, bool) {
	txt := txtToMap(entry.Text)

	instanceID := txt["instance_id"]
	if instanceID == "" || instanceID == selfInstanceID {
		return Devnet{}, false
	}
	contentPort, err := strconv.Atoi(txt["content_port"])
	if err != nil || contentPort <= 0 || entry.Port <= 0 {
		return Devnet{}, false
	}

	version, _ := strconv.Atoi(txt["version"])
	genesis, _ := strconv.ParseInt(txt["genesis_ms"], 10, 64)
	blockMillis, _ := strconv.ParseInt(txt["block_ms"], 10, 64)

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = instanceID
	}

	return Devnet{
		InstanceID:          instanceID,
		Name:                name,
		Version:             version,
		HostName:            entry.HostName,
		LedgerPort:          entry.Port,
		ContentPort:         contentPort,
		GenesisUnixMilli:    genesis,
		BlockIntervalMillis: blockMillis,
		Addresses:           addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func devnetsEqual(a, b Devnet) bool {
	if a.InstanceID != b.InstanceID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.LedgerPort != b.LedgerPort ||
		a.ContentPort != b.ContentPort ||
		a.GenesisUnixMilli != b.GenesisUnixMilli ||
		a.BlockIntervalMillis != b.BlockIntervalMillis ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
