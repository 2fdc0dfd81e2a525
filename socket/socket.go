// Package socket implements the per-connection websocket lifecycle (C10):
// handshake, optional authentication, and streaming. It is grounded on the
// teacher's scm/network.go websocket endpoint (same gorilla/websocket
// upgrade-then-read-loop shape, same mutex-guarded write side) generalized
// from a single send/receive callback pair into the richer subscription
// and close-reason protocol the board engine needs.
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tilecanvas/engine/board"
	"github.com/tilecanvas/engine/clock"
)

// AuthTimeout is how long Phase B waits for an authenticate message (§4.10).
const AuthTimeout = 5 * time.Second

// TokenValidator resolves a bearer token to a user id, the permission set
// it grants, and the time the token stops being valid. It is supplied by
// whatever auth system sits in front of the engine; the engine only needs
// this narrow contract.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (userID int64, granted board.Subscription, validUntil time.Time, ok bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inbound mirrors §6's inbound JSON packet shape; only `type` is common,
// `token` is only meaningful for "authenticate".
type inbound struct {
	Type  string  `json:"type"`
	Token *string `json:"token"`
}

// Socket is one live websocket connection, implementing board.Subscriber.
type Socket struct {
	id    string
	conn  *websocket.Conn
	board *board.Board
	auth  TokenValidator
	clk   clock.Clock

	sendMu sync.Mutex

	stateMu       sync.RWMutex
	subs          board.Subscription
	userID        int64
	authenticated bool
	tokenValidUntil time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Upgrade performs Phase A (§4.10): parse the `extensions` query parameter,
// verify every requested subscription is either grantable anonymously or
// deferrable to Phase B, and upgrade the HTTP connection. It does not block
// on authentication; call Serve afterward to run Phase B/C.
func Upgrade(w http.ResponseWriter, r *http.Request, b *board.Board, auth TokenValidator, clk clock.Clock) (*Socket, error) {
	names := r.URL.Query()["extensions"]
	subs, ok := board.ParseSubscriptions(names)
	if !ok || subs == 0 {
		http.Error(w, "invalid or empty subscription set", http.StatusUnprocessableEntity)
		return nil, errUnprocessable
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		id:     uuid.NewString(),
		conn:   conn,
		board:  b,
		auth:   auth,
		clk:    clk,
		subs:   subs,
		closed: make(chan struct{}),
	}
	return s, nil
}

var errUnprocessable = &httpError{status: http.StatusUnprocessableEntity}

type httpError struct{ status int }

func (e *httpError) Error() string { return "socket: unprocessable handshake" }

// ID implements board.Subscriber.
func (s *Socket) ID() string { return s.id }

// UserID implements board.Subscriber.
func (s *Socket) UserID() (int64, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.userID, s.authenticated
}

// Subscriptions implements board.Subscriber.
func (s *Socket) Subscriptions() board.Subscription {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.subs
}

// Send implements board.Subscriber: JSON-encode and write, checking the
// token hasn't expired first (§4.10: "all sends check token-valid-until
// before writing").
func (s *Socket) Send(p board.Packet) {
	s.stateMu.RLock()
	expired := s.authenticated && !s.tokenValidUntil.IsZero() && s.clk.Now().After(s.tokenValidUntil)
	s.stateMu.RUnlock()
	if expired {
		s.Close(board.CloseInvalidToken)
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements board.Subscriber: sends a websocket close frame with
// reason's numeric code and tears the connection down. Safe to call more
// than once or concurrently with Send.
func (s *Socket) Close(reason board.CloseReason) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.sendMu.Lock()
		msg := websocket.FormatCloseMessage(int(reason), "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, s.clk.Now().Add(time.Second))
		s.sendMu.Unlock()
		_ = s.conn.Close()
	})
}

// Serve runs Phase B (if required) then Phase C until the connection
// closes (§4.10). It returns nothing and does not register the socket
// with the board itself; cmd/boardserver calls board.InsertSocket before
// Serve and RemoveSocket once Serve returns.
func (s *Socket) Serve(ctx context.Context) {
	if s.Subscriptions().RequiresAuth() {
		if !s.runPhaseB(ctx) {
			return
		}
	}
	s.runPhaseC(ctx)
}

func (s *Socket) runPhaseB(ctx context.Context) bool {
	type result struct {
		msg inbound
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var msg inbound
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			ch <- result{err: err}
			return
		}
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			ch <- result{err: jsonErr}
			return
		}
		ch <- result{msg: msg}
	}()

	select {
	case <-s.clk.After(AuthTimeout):
		s.Close(board.CloseAuthTimeout)
		return false
	case <-ctx.Done():
		s.Close(board.CloseServerClosing)
		return false
	case r := <-ch:
		if r.err != nil || r.msg.Type != "authenticate" {
			s.Close(board.CloseInvalidPacket)
			return false
		}
		return s.authenticate(ctx, r.msg.Token)
	}
}

// authenticate validates a token (nil downgrades to anonymous, only
// permitted if current subscriptions don't require auth) and re-checks
// permissions (§4.10).
func (s *Socket) authenticate(ctx context.Context, token *string) bool {
	if token == nil {
		if s.Subscriptions().RequiresAuth() {
			s.Close(board.CloseMissingPermission)
			return false
		}
		s.downgradeToAnonymous()
		return true
	}

	userID, granted, validUntil, ok := s.auth.Validate(ctx, *token)
	if !ok {
		s.Close(board.CloseInvalidToken)
		return false
	}

	s.stateMu.Lock()
	required := s.subs
	if required&^granted != 0 {
		s.stateMu.Unlock()
		s.Close(board.CloseMissingPermission)
		return false
	}
	s.userID = userID
	s.authenticated = true
	s.tokenValidUntil = validUntil
	s.stateMu.Unlock()
	return true
}

// downgradeToAnonymous clears a previously-authenticated socket's identity
// and re-indexes it with the hub under the anonymous identity. A null-token
// `authenticate` is a real downgrade, not just a permitted no-op: without
// this the socket would stay bound to its old user id (still reachable via
// hub.byUser, still a target for that user's cooldown timers) forever.
func (s *Socket) downgradeToAnonymous() {
	s.stateMu.RLock()
	wasAuthenticated := s.authenticated
	s.stateMu.RUnlock()
	if !wasAuthenticated {
		return
	}

	s.board.RemoveSocket(s)
	s.stateMu.Lock()
	s.userID = 0
	s.authenticated = false
	s.tokenValidUntil = time.Time{}
	s.stateMu.Unlock()
	s.board.InsertSocket(s, nil)
}

func (s *Socket) runPhaseC(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Close(board.CloseInvalidPacket)
			return
		}
		switch msg.Type {
		case "ping":
			s.Send(pongPacket{})
		case "authenticate":
			if !s.authenticate(ctx, msg.Token) {
				return
			}
		case "close":
			s.Close(board.CloseServerClosing)
			return
		default:
			s.Close(board.CloseInvalidPacket)
			return
		}
	}
}

type pongPacket struct{}

func (pongPacket) PacketType() string  { return "pong" }
func (pongPacket) MarshalJSON() ([]byte, error) { return []byte(`{"type":"pong"}`), nil }
