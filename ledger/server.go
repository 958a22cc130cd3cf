package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server exposes a Memory ledger over JSON-RPC websockets.
type Server struct {
	memory *Memory
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer returns an http.Handler serving memory.
func NewServer(memory *Memory, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{memory: memory, log: log, ctx: ctx, cancel: cancel}
}

// Close ends every open session. Hijacked websocket connections are not
// tracked by http.Server, so shutting that down alone leaves them open.
func (s *Server) Close() {
	s.cancel()
}

// ServeHTTP upgrades the request and serves JSON-RPC calls until the peer
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	session := &serverSession{
		server: s,
		conn:   conn,
		subs:   make(map[string]context.CancelFunc),
		log:    s.log.With().Str("remote", r.RemoteAddr).Logger(),
	}
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		select {
		case <-s.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	session.serve(ctx)
}

type serverSession struct {
	server *Server
	conn   *websocket.Conn
	log    zerolog.Logger

	subsMu  sync.Mutex
	nextSub int
	subs    map[string]context.CancelFunc
}

func (s *serverSession) serve(ctx context.Context) {
	defer s.conn.CloseNow()

	for {
		var req request
		if err := wsjson.Read(ctx, s.conn, &req); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.log.Debug().Err(err).Msg("ledger session ended")
			}
			return
		}

		result, rpcErr := s.handle(ctx, req)
		resp := envelope{JSONRPC: jsonRPCVersion, ID: &req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &RPCError{Code: CodeInvalidRequest, Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}
		if err := wsjson.Write(ctx, s.conn, resp); err != nil {
			s.log.Debug().Err(err).Msg("write ledger response")
			return
		}
	}
}

func (s *serverSession) handle(ctx context.Context, req request) (any, *RPCError) {
	memory := s.server.memory

	switch req.Method {
	case MethodInbox, MethodOutbox:
		var address string
		if err := decodeParams(req.Params, &address); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		if req.Method == MethodInbox {
			return memory.Inbox(address), nil
		}
		return memory.Outbox(address), nil

	case MethodMessage:
		var id string
		if err := decodeParams(req.Params, &id); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		record, ok := memory.Record(id)
		if !ok {
			return nil, nil
		}
		return toWire(*record), nil

	case MethodSendMessage:
		var ext Extrinsic
		if err := decodeParams(req.Params, &ext); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		receipt, err := memory.SubmitExtrinsic(ext)
		if err != nil {
			s.log.Info().Err(err).Str("signer", ext.Signer).Msg("transaction rejected")
			return nil, rpcErrorFrom(err)
		}
		s.log.Debug().Str("id", receipt.ID).Uint64("height", receipt.Height).Msg("message recorded")
		return receipt, nil

	case MethodSubscribeHeads:
		return s.subscribe(ctx)

	case MethodUnsubscribeHeads:
		var subscription string
		if err := decodeParams(req.Params, &subscription); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return s.unsubscribe(subscription), nil

	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (s *serverSession) subscribe(ctx context.Context) (any, *RPCError) {
	subCtx, cancel := context.WithCancel(ctx)
	heads, err := s.server.memory.SubscribeHeads(subCtx)
	if err != nil {
		cancel()
		return nil, rpcErrorFrom(err)
	}

	s.subsMu.Lock()
	s.nextSub++
	subscription := strconv.Itoa(s.nextSub)
	s.subs[subscription] = cancel
	s.subsMu.Unlock()

	go func() {
		for height := range heads {
			raw, _ := json.Marshal(head{Number: height})
			params, _ := json.Marshal(subscriptionParams{Subscription: subscription, Result: raw})
			note := envelope{JSONRPC: jsonRPCVersion, Method: NotificationNewHead, Params: params}
			if err := wsjson.Write(subCtx, s.conn, note); err != nil {
				cancel()
				return
			}
		}
	}()

	return subscription, nil
}

func (s *serverSession) unsubscribe(subscription string) bool {
	s.subsMu.Lock()
	cancel, ok := s.subs[subscription]
	delete(s.subs, subscription)
	s.subsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
