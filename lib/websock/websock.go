/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package websock is the bidirectional socket channel between browser
// clients and a server instance: websocket transport, JSON event frames
// with optional acks, and the per-socket state the authentication state
// machine operates on.
package websock

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/defaults"
	"github.com/z-open/zerv-core/lib/token"
)

// Frame is one message on the wire. Client and server exchange events with
// positional JSON arguments; a non-zero AckID requests (or answers, for the
// reserved ack event) an acknowledgment.
type Frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
	AckID int64             `json:"ackId,omitempty"`
}

// AckEvent is the reserved event name carrying acknowledgments.
const AckEvent = "ack"

// Conn is the transport surface a socket runs on. *websocket.Conn
// implements it; tests use an in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	Close() error
}

// AckFunc answers a client frame that requested an acknowledgment. It is
// a no-op when the client did not ask for one.
type AckFunc func(args ...any)

// HandlerFunc handles one client event on a socket.
type HandlerFunc func(ctx context.Context, s *Socket, args []json.RawMessage, ack AckFunc)

// Config configures a socket server.
type Config struct {
	// Clock stamps socket creation times.
	Clock clockwork.Clock
	// Logger reports transport failures.
	Logger *slog.Logger
	// MaxMessageSize bounds a single inbound message.
	MaxMessageSize int64
	// OnConnect runs as soon as a socket is accepted, before any event.
	OnConnect func(*Socket)
	// OnDisconnect runs once per socket after its read loop ends.
	OnDisconnect func(*Socket, error)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(zerv.ComponentKey, zerv.ComponentWebsock)
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxHTTPBufferSize
	}
	return nil
}

// Server accepts sockets and dispatches their event frames to registered
// handlers. Events of a single socket are dispatched in arrival order.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sockets  map[*Socket]struct{}
	handlers map[string]HandlerFunc
	closed   bool
}

// NewServer builds a socket server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is the reverse proxy's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sockets:  make(map[*Socket]struct{}),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// HandleEvent registers the handler for an event name, replacing any
// previous one.
func (s *Server) HandleEvent(event string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

// ServeHTTP upgrades the request and runs the socket until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Info("Failed to upgrade connection.", "error", err)
		return
	}
	sock := s.accept(conn)
	if sock == nil {
		conn.Close()
		return
	}
	sock.readLoop()
}

// ServeConn runs a socket over an already established transport, in its
// own goroutine. Used by tests and by in-process clients.
func (s *Server) ServeConn(conn Conn) *Socket {
	sock := s.accept(conn)
	if sock == nil {
		conn.Close()
		return nil
	}
	go sock.readLoop()
	return sock
}

func (s *Server) accept(conn Conn) *Socket {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	sock := &Socket{
		server:   s,
		conn:     conn,
		creation: s.cfg.Clock.Now(),
		out:      make(chan Frame, 256),
		acks:     make(map[int64]func(args []json.RawMessage)),
		done:     make(chan struct{}),
	}
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	go sock.writeLoop()
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(sock)
	}
	return sock
}

// Sockets returns every connected socket.
func (s *Server) Sockets() []*Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		out = append(out, sock)
	}
	return out
}

// SocketsAtOrigin returns the connected sockets bound to origin.
func (s *Server) SocketsAtOrigin(origin string) []*Socket {
	if origin == "" {
		return nil
	}
	var out []*Socket
	for _, sock := range s.Sockets() {
		if sock.Origin() == origin {
			out = append(out, sock)
		}
	}
	return out
}

// Broadcast emits the event on every connected socket except the excluded
// one (pass nil to reach everyone).
func (s *Server) Broadcast(event string, exclude *Socket, args ...any) {
	for _, sock := range s.Sockets() {
		if sock == exclude {
			continue
		}
		sock.Emit(event, args...)
	}
}

// Close disconnects every socket and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, sock := range s.Sockets() {
		sock.Disconnect()
	}
	return nil
}

func (s *Server) handler(event string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[event]
}

func (s *Server) forget(sock *Socket) {
	s.mu.Lock()
	delete(s.sockets, sock)
	s.mu.Unlock()
}

// Socket is one client connection, carrying the authentication state the
// socket state machine maintains: the authenticated user, the client
// origin, the current token and its decoded payload.
type Socket struct {
	server *Server
	conn   Conn

	out      chan Frame
	done     chan struct{}
	creation time.Time

	ackMu  sync.Mutex
	acks   map[int64]func(args []json.RawMessage)
	nextID int64

	mu       sync.Mutex
	closed   bool
	userID   string
	origin   string
	token    string
	payload  token.Payload
	authTime time.Time
}

// UserID returns the authenticated user id, empty before authentication.
func (s *Socket) UserID() string { s.mu.Lock(); defer s.mu.Unlock(); return s.userID }

// SetUserID binds the socket to a user.
func (s *Socket) SetUserID(id string) { s.mu.Lock(); defer s.mu.Unlock(); s.userID = id }

// Origin returns the client installation the socket belongs to.
func (s *Socket) Origin() string { s.mu.Lock(); defer s.mu.Unlock(); return s.origin }

// SetOrigin binds the socket to an origin.
func (s *Socket) SetOrigin(origin string) { s.mu.Lock(); defer s.mu.Unlock(); s.origin = origin }

// Token returns the socket's current bearer token.
func (s *Socket) Token() string { s.mu.Lock(); defer s.mu.Unlock(); return s.token }

// Payload returns the decoded payload of the current token.
func (s *Socket) Payload() token.Payload { s.mu.Lock(); defer s.mu.Unlock(); return s.payload }

// SetCredentials updates the token and payload in one step, as the
// authentication state machine propagates refreshes.
func (s *Socket) SetCredentials(signed string, payload token.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = signed
	s.payload = payload
}

// Creation returns when the socket connected.
func (s *Socket) Creation() time.Time { return s.creation }

// AuthTime returns when the socket completed authentication.
func (s *Socket) AuthTime() time.Time { s.mu.Lock(); defer s.mu.Unlock(); return s.authTime }

// SetAuthTime records when the socket completed authentication.
func (s *Socket) SetAuthTime(t time.Time) { s.mu.Lock(); defer s.mu.Unlock(); s.authTime = t }

// Server returns the server the socket is connected to.
func (s *Socket) Server() *Server { return s.server }

// Done is closed once the socket disconnected.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Emit sends an event with JSON-serialized arguments.
func (s *Socket) Emit(event string, args ...any) error {
	return s.send(event, 0, args)
}

// EmitWithAck sends an event and invokes ack with the client's answer
// arguments once it acknowledges.
func (s *Socket) EmitWithAck(event string, ack func(args []json.RawMessage), args ...any) error {
	s.ackMu.Lock()
	s.nextID++
	id := s.nextID
	s.acks[id] = ack
	s.ackMu.Unlock()
	if err := s.send(event, id, args); err != nil {
		s.ackMu.Lock()
		delete(s.acks, id)
		s.ackMu.Unlock()
		return trace.Wrap(err)
	}
	return nil
}

func (s *Socket) send(event string, ackID int64, args []any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return trace.Wrap(err)
		}
		raw = append(raw, data)
	}
	frame := Frame{Event: event, Args: raw, AckID: ackID}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return trace.ConnectionProblem(nil, "socket is closed")
	default:
		// A consumer this far behind is beyond saving.
		s.server.cfg.Logger.Warn("Disconnecting slow socket.", "event", event)
		s.Disconnect()
		return trace.ConnectionProblem(nil, "socket send buffer overflow")
	}
}

// Disconnect closes the transport; the read loop then winds the socket
// down.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
}

func (s *Socket) readLoop() {
	var cause error
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			break
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.server.cfg.Logger.Info("Dropping malformed frame.", "error", err)
			continue
		}
		s.dispatch(frame)
	}
	s.shutdown(cause)
}

func (s *Socket) dispatch(frame Frame) {
	if frame.Event == AckEvent {
		s.ackMu.Lock()
		cb := s.acks[frame.AckID]
		delete(s.acks, frame.AckID)
		s.ackMu.Unlock()
		if cb != nil {
			cb(frame.Args)
		}
		return
	}

	handler := s.server.handler(frame.Event)
	if handler == nil {
		s.server.cfg.Logger.Info("No handler for event.", "event", frame.Event)
		return
	}
	ack := AckFunc(func(args ...any) {})
	if frame.AckID != 0 {
		id := frame.AckID
		var once sync.Once
		ack = func(args ...any) {
			once.Do(func() {
				if err := s.send(AckEvent, id, args); err != nil {
					s.server.cfg.Logger.Info("Failed to ack.", "event", frame.Event, "error", err)
				}
			})
		}
	}
	handler(context.Background(), s, frame.Args, ack)
}

func (s *Socket) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			data, err := json.Marshal(frame)
			if err != nil {
				s.server.cfg.Logger.Warn("Failed to marshal frame.", "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Disconnect()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Socket) shutdown(cause error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
	s.server.forget(s)
	close(s.done)
	if s.server.cfg.OnDisconnect != nil {
		s.server.cfg.OnDisconnect(s, cause)
	}
}
