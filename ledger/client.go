package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"secura/models"
)

const (
	// DefaultURL is the local ledger node's websocket endpoint.
	DefaultURL = "ws://127.0.0.1:9944"
	// DefaultDialTimeout bounds connection setup.
	DefaultDialTimeout = 10 * time.Second
	// DefaultCallTimeout bounds one request when the caller sets no deadline.
	DefaultCallTimeout = 30 * time.Second
	// MaxFrameSize is the largest frame accepted from the node.
	MaxFrameSize = 4 << 20
)

// ClientOptions configures a websocket ledger client.
type ClientOptions struct {
	URL         string
	Signer      Signer
	HTTPClient  *http.Client
	DialTimeout time.Duration
	CallTimeout time.Duration
	Log         zerolog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.URL == "" {
		out.URL = DefaultURL
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	return out
}

// Client is a JSON-RPC 2.0 ledger client over one websocket connection.
type Client struct {
	conn        *websocket.Conn
	signer      Signer
	callTimeout time.Duration
	log         zerolog.Logger

	nextID atomic.Uint64
	nonce  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan envelope

	headsMu  sync.Mutex
	nextHead int
	heads    map[int]chan uint64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Dial connects to the ledger node.
func Dial(ctx context.Context, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, opts.URL, &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, opts.URL, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	c := &Client{
		conn:        conn,
		signer:      opts.Signer,
		callTimeout: opts.CallTimeout,
		log:         opts.Log,
		pending:     make(map[uint64]chan envelope),
		heads:       make(map[int]chan uint64),
		closed:      make(chan struct{}),
	}
	// Nonces only need to be unique per signer; seeding from the clock keeps
	// them unique across restarts without asking the node.
	c.nonce.Store(uint64(time.Now().UnixNano()))

	go c.readLoop()
	return c, nil
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Close ends the connection.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.closeWithError(nil)
	return err
}

func (c *Client) InboxIDs(ctx context.Context, address string) ([]string, error) {
	var ids []string
	if err := c.call(ctx, MethodInbox, []any{address}, &ids); err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	return ids, nil
}

func (c *Client) OutboxIDs(ctx context.Context, address string) ([]string, error) {
	var ids []string
	if err := c.call(ctx, MethodOutbox, []any{address}, &ids); err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	return ids, nil
}

func (c *Client) Message(ctx context.Context, id string) (*models.MessageRecord, error) {
	var raw json.RawMessage
	if err := c.call(ctx, MethodMessage, []any{id}, &raw); err != nil {
		return nil, fmt.Errorf("read message %s: %w", id, err)
	}
	return decodeRecord(id, raw)
}

func (c *Client) SubmitMessage(ctx context.Context, recipient string, pointer []byte) (Receipt, error) {
	if len(pointer) > models.MaxContentPointerLen {
		return Receipt{}, fmt.Errorf("%w: %d bytes", ErrPointerTooLong, len(pointer))
	}
	ext, err := SignExtrinsic(c.signer, recipient, pointer, c.nonce.Add(1))
	if err != nil {
		return Receipt{}, err
	}

	var receipt Receipt
	if err := c.call(ctx, MethodSendMessage, []any{ext}, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("submit message: %w", err)
	}
	return receipt, nil
}

// SubscribeHeads streams new block heights until ctx ends or the connection drops.
func (c *Client) SubscribeHeads(ctx context.Context) (<-chan uint64, error) {
	ch := make(chan uint64, 16)

	// Register before subscribing so no head between the reply and the
	// registration is lost.
	c.headsMu.Lock()
	c.nextHead++
	key := c.nextHead
	c.heads[key] = ch
	c.headsMu.Unlock()

	var subscription string
	if err := c.call(ctx, MethodSubscribeHeads, []any{}, &subscription); err != nil {
		c.dropHead(key)
		return nil, fmt.Errorf("subscribe heads: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		}
		c.dropHead(key)

		unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		var ok bool
		if err := c.call(unsubCtx, MethodUnsubscribeHeads, []any{subscription}, &ok); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log.Debug().Err(err).Str("subscription", subscription).Msg("unsubscribe heads failed")
		}
	}()

	return ch, nil
}

func (c *Client) dropHead(key int) {
	c.headsMu.Lock()
	defer c.headsMu.Unlock()
	if ch, ok := c.heads[key]; ok {
		delete(c.heads, key)
		close(ch)
	}
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-c.closed:
		return c.notConnected()
	default:
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	id := c.nextID.Add(1)
	replies := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = replies
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: rawParams}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.closeWithError(fmt.Errorf("write %s: %w", method, err))
		return c.notConnected()
	}

	select {
	case reply := <-replies:
		if reply.Error != nil {
			return reply.Error
		}
		if out == nil || len(reply.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return c.notConnected()
	}
}

func (c *Client) readLoop() {
	for {
		var msg envelope
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.closeWithError(nil)
			} else {
				c.closeWithError(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		switch {
		case msg.ID != nil:
			c.pendingMu.Lock()
			replies, ok := c.pending[*msg.ID]
			c.pendingMu.Unlock()
			if ok {
				replies <- msg
			}
		case msg.Method == NotificationNewHead:
			c.dispatchHead(msg.Params)
		default:
			c.log.Debug().Str("method", msg.Method).Msg("ignoring unexpected ledger frame")
		}
	}
}

func (c *Client) dispatchHead(raw json.RawMessage) {
	var params subscriptionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.log.Warn().Err(err).Msg("decode head notification")
		return
	}
	var h head
	if err := json.Unmarshal(params.Result, &h); err != nil {
		c.log.Warn().Err(err).Msg("decode head notification")
		return
	}

	c.headsMu.Lock()
	defer c.headsMu.Unlock()
	for _, ch := range c.heads {
		select {
		case ch <- h.Number:
		default:
		}
	}
}

func (c *Client) notConnected() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return ErrNotConnected
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.CloseNow()
		close(c.closed)

		c.headsMu.Lock()
		for key, ch := range c.heads {
			delete(c.heads, key)
			close(ch)
		}
		c.headsMu.Unlock()
	})
}

var _ interface {
	Ledger
	HeadSubscriber
} = (*Client)(nil)
