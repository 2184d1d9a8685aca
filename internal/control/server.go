// ABOUTME: WebSocket control server for a running audio module
// ABOUTME: Turns client requests into rpc calls and sequencer events on the main loop
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/audiocore/internal/version"
	"github.com/Resonate-Protocol/audiocore/pkg/audiomodule"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/Resonate-Protocol/audiocore/pkg/sequencer"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 5 * time.Second
	writeDeadline    = 10 * time.Second
	pingInterval     = 30 * time.Second
	shutdownTimeout  = 5 * time.Second
	defaultSendQueue = 100
)

var errSessionClosed = errors.New("session closed")

// Module is the part of audiomodule.Module the server drives
type Module interface {
	Engine() audiomodule.AudioEngine
	Channel() audiomodule.RPCChannel
	Sequencer() audiomodule.Scheduler
}

// Poster runs closures on the control thread, e.g. *rpc.MainLoop
type Poster interface {
	Post(fn func())
}

// Config holds server configuration
type Config struct {
	Addr      string
	Name      string
	SendQueue int
}

// Server accepts control sessions over WebSocket
type Server struct {
	config   Config
	serverID string
	module   Module
	loop     Poster

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	httpServer *http.Server
	listener   net.Listener

	sessions   map[string]*session
	sessionsMu sync.RWMutex
	isShutdown bool

	// scheduled maps events that want a reply to their pending call id.
	// Only touched on the main loop.
	scheduled map[sequencer.EventID]rpc.CallID

	wg sync.WaitGroup
}

// session is one connected control client
type session struct {
	id   string
	name string
	conn *websocket.Conn

	sendChan chan Envelope
	done     chan struct{}
}

// New creates a server for module. All channel and sequencer operations are
// posted onto loop.
func New(config Config, module Module, loop Poster) *Server {
	if config.SendQueue <= 0 {
		config.SendQueue = defaultSendQueue
	}

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		module:   module,
		loop:     loop,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin != "" {
					log.Debugf("Accepting control session from origin %s", origin)
				}
				return true
			},
		},
		sessions:  make(map[string]*session),
		scheduled: make(map[sequencer.EventID]rpc.CallID),
	}
	s.mux.HandleFunc(Path, s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler serving the control endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen binds the configured address
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port, or 0 before Listen
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Serve handles connections until ctx is cancelled, then shuts down
// gracefully. Listen is called first if it has not been.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{Handler: s.mux}
	log.Infof("Control server listening on %s", s.listener.Addr())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		log.Infof("Control server shutting down")
	case err := <-errChan:
		log.Errorf("Control server error: %v", err)
		serverErr = err
	}

	s.sessionsMu.Lock()
	s.isShutdown = true
	s.sessionsMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Control server shutdown error: %v", err)
	}
	s.closeSessions()
	s.wg.Wait()

	if serverErr != nil {
		return fmt.Errorf("control server failed: %w", serverErr)
	}
	return nil
}

// Sessions returns the number of connected clients
func (s *Server) Sessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// closeSessions closes hijacked connections that Shutdown does not track
func (s *Server) closeSessions() {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	log.Debugf("New control connection from %s", r.RemoteAddr)
	s.handleConnection(conn)
}

// handleConnection runs the hello handshake and then reads requests until
// the client goes away
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.sessionsMu.RLock()
	shutdown := s.isShutdown
	s.sessionsMu.RUnlock()
	if shutdown {
		log.Debugf("Rejecting connection during shutdown")
		return
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		log.Warnf("Error reading hello: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	if msg.Type != TypeClientHello {
		log.Warnf("Expected %s, got %s", TypeClientHello, msg.Type)
		writeError(conn, ErrorPayload{Error: ErrCodeInvalidMessage, Message: "expected " + TypeClientHello})
		return
	}

	var hello ClientHello
	if err := json.Unmarshal(msg.Payload, &hello); err != nil || hello.ClientID == "" {
		log.Warnf("Invalid client hello: %v", err)
		writeError(conn, ErrorPayload{Error: ErrCodeInvalidMessage, Message: "client hello requires client_id"})
		return
	}
	if hello.Name == "" {
		hello.Name = hello.ClientID
	}

	sess := &session{
		id:       hello.ClientID,
		name:     hello.Name,
		conn:     conn,
		sendChan: make(chan Envelope, s.config.SendQueue),
		done:     make(chan struct{}),
	}

	s.sessionsMu.Lock()
	if existing, ok := s.sessions[sess.id]; ok {
		s.sessionsMu.Unlock()
		log.Warnf("Client ID %s already connected (name: %s), rejecting duplicate", sess.id, existing.name)
		writeError(conn, ErrorPayload{Error: ErrCodeDuplicateClient, Message: "client id already connected"})
		return
	}
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()

	log.Infof("Control client connected: %s (ID: %s)", sess.name, sess.id)

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess.id)
		s.sessionsMu.Unlock()
		close(sess.done)
		log.Infof("Control client disconnected: %s", sess.name)
	}()

	eng := s.module.Engine()
	format := eng.Format()
	serverHello := ServerHello{
		ServerID:     s.serverID,
		Name:         s.config.Name,
		Version:      ProtocolVersion,
		Software:     version.String(),
		Driver:       eng.DriverName(),
		SampleRate:   format.SampleRate,
		Channels:     format.Channels,
		BufferFrames: eng.BufferSize(),
	}
	if err := s.send(sess, TypeServerHello, serverHello); err != nil {
		log.Warnf("Error sending server hello: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sessionWriter(sess)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("WebSocket error: %v", err)
			}
			return
		}
		s.handleMessage(sess, data)
	}
}

// sessionWriter owns all writes to the connection after the handshake
func (s *Server) sessionWriter(sess *session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return

		case msg := <-sess.sendChan:
			sess.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sess.conn.WriteJSON(msg); err != nil {
				log.Debugf("Error writing to %s: %v", sess.name, err)
				sess.conn.Close()
				return
			}

		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				sess.conn.Close()
				return
			}
		}
	}
}

func (s *Server) handleMessage(sess *session, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess, 0, ErrCodeInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case TypeEngineCall:
		s.handleCall(sess, msg.Payload)
	case TypeSchedule:
		s.handleSchedule(sess, msg.Payload)
	case TypeCancel:
		s.handleCancel(sess, msg.Payload)
	case TypeEngineStats:
		s.handleStats(sess, msg.Payload)
	default:
		log.Debugf("Unknown message type from %s: %s", sess.name, msg.Type)
		s.sendError(sess, 0, ErrCodeUnknownType, msg.Type)
	}
}

// handleCall forwards one engine call and replies from the response callback
func (s *Server) handleCall(sess *session, payload json.RawMessage) {
	var req EngineCall
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(sess, 0, ErrCodeInvalidMessage, err.Error())
		return
	}
	method, err := rpc.ParseMethod(req.Method)
	if err != nil {
		s.sendError(sess, req.ID, ErrCodeUnknownMethod, err.Error())
		return
	}

	msg := rpc.Message{Method: method, Args: req.Args}
	s.loop.Post(func() {
		_, err := s.module.Channel().Call(msg, func(resp rpc.Response) {
			s.send(sess, TypeEngineReply, newReply(req.ID, resp))
		})
		if err != nil {
			log.Debugf("Call %s from %s rejected: %v", method, sess.name, err)
			s.sendError(sess, req.ID, errorCode(err), err.Error())
		}
	})
}

// handleSchedule queues a sequencer event. When a reply is requested the
// response callback is registered before the event can dispatch.
func (s *Server) handleSchedule(sess *session, payload json.RawMessage) {
	var req ScheduleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(sess, 0, ErrCodeInvalidMessage, err.Error())
		return
	}
	method, err := rpc.ParseMethod(req.Method)
	if err != nil {
		s.sendError(sess, req.ID, ErrCodeUnknownMethod, err.Error())
		return
	}

	s.loop.Post(func() {
		ch := s.module.Channel()
		seq := s.module.Sequencer()

		var eventID sequencer.EventID
		msg := rpc.Message{Method: method, Args: req.Args}
		if req.Reply {
			msg.ID = ch.NextID()
			err := ch.Expect(msg.ID, func(resp rpc.Response) {
				delete(s.scheduled, eventID)
				s.send(sess, TypeEngineReply, newReply(req.ID, resp))
			})
			if err != nil {
				s.sendError(sess, req.ID, errorCode(err), err.Error())
				return
			}
		}

		at := scheduleTime(seq, req)
		id, err := seq.Schedule(at, msg)
		if err != nil {
			if msg.WantsReply() {
				ch.Forget(msg.ID)
			}
			s.sendError(sess, req.ID, errorCode(err), err.Error())
			return
		}
		eventID = id
		if msg.WantsReply() {
			s.scheduled[id] = msg.ID
		}
		s.send(sess, TypeScheduled, Scheduled{ID: req.ID, EventID: id.String(), AtMs: at.Milliseconds()})
	})
}

// scheduleTime resolves at_ms or after_ms onto the sequencer timebase
func scheduleTime(seq audiomodule.Scheduler, req ScheduleRequest) time.Duration {
	if req.AtMs != nil {
		return time.Duration(*req.AtMs) * time.Millisecond
	}
	return seq.Now() + time.Duration(req.AfterMs)*time.Millisecond
}

func (s *Server) handleCancel(sess *session, payload json.RawMessage) {
	var req CancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(sess, 0, ErrCodeInvalidMessage, err.Error())
		return
	}
	id, err := uuid.Parse(req.EventID)
	if err != nil {
		s.sendError(sess, req.ID, ErrCodeInvalidMessage, "invalid event_id")
		return
	}

	s.loop.Post(func() {
		seq := s.module.Sequencer()
		if seq.Cancel(id) {
			if callID, ok := s.scheduled[id]; ok {
				delete(s.scheduled, id)
				s.module.Channel().Forget(callID)
			}
		}
		s.send(sess, TypeCancelled, Cancelled{ID: req.ID, EventID: req.EventID, Pending: seq.Pending()})
	})
}

func (s *Server) handleStats(sess *session, payload json.RawMessage) {
	var req StatsRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			s.sendError(sess, 0, ErrCodeInvalidMessage, err.Error())
			return
		}
	}

	s.loop.Post(func() {
		seq := s.module.Sequencer()
		s.send(sess, TypeEngineStats, EngineStats{
			ID:        req.ID,
			Engine:    s.module.Engine().Stats(),
			RPC:       s.module.Channel().Stats(),
			Sequencer: seq.Stats(),
			ClockMs:   seq.Now().Milliseconds(),
		})
	})
}

// send queues a message for the session writer without blocking
func (s *Server) send(sess *session, msgType string, payload interface{}) error {
	select {
	case <-sess.done:
		return errSessionClosed
	default:
	}

	select {
	case sess.sendChan <- Envelope{Type: msgType, Payload: payload}:
		return nil
	default:
		log.Warnf("Send queue full for %s, dropping %s", sess.name, msgType)
		return fmt.Errorf("session send queue full")
	}
}

func (s *Server) sendError(sess *session, id uint64, code, message string) {
	s.send(sess, TypeServerError, ErrorPayload{ID: id, Error: code, Message: message})
}

// writeError writes directly to a connection that has no writer yet
func writeError(conn *websocket.Conn, payload ErrorPayload) {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(Envelope{Type: TypeServerError, Payload: payload}); err != nil {
		log.Debugf("Error writing %s: %v", TypeServerError, err)
	}
}
