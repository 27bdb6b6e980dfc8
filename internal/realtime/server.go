// Package realtime serves the WebSocket and REST surface of the chat backend.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"forge/internal/protocol"
	"forge/internal/runner"
	"forge/internal/session"
	"forge/internal/watcher"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the session manager, and the file watcher.
type Server struct {
	sessionMgr *session.Manager
	fileWatch  *watcher.Watcher
	clients    map[*client]bool
	clientsMu  sync.RWMutex
	staticDir  string
	logger     *zap.Logger

	// subscriptions tracks which event subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	server *Server
}

// New creates a new realtime server.
func New(sessionMgr *session.Manager, fileWatch *watcher.Watcher, staticDir string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessionMgr:    sessionMgr,
		fileWatch:     fileWatch,
		clients:       make(map[*client]bool),
		staticDir:     staticDir,
		logger:        logger.Named("realtime"),
		subscriptions: make(map[*client]map[string]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /sessions/{id}/actions", s.handleListActions)
	mux.HandleFunc("POST /sessions/{id}/actions/{actionId}/abort", s.handleAbortAction)
	mux.HandleFunc("POST /sessions/{id}/commands", s.handleProjectCommands)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current session list to new client.
	for _, sess := range s.sessionMgr.List() {
		if msg, err := sessionUpdate(sess); err == nil {
			c.sendMessage(msg)
		}
	}

	// Subscribe new client to all active sessions so it receives events for
	// sessions that already existed before this connection.
	s.subscribeClientToActiveSessions(c)

	go c.writePump()
	go c.readPump()
}

// sendMessage queues msg for the client, dropping it if the buffer is full
// or the client is gone.
func (c *client) sendMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// Client buffer full, drop.
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Unsubscribe from all session events.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.sessionMgr.Unsubscribe(sessionID, subID)
	}

	c.close()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		var p protocol.SessionCreatePayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.createSession(p.WorkDir, p.Label); err != nil {
			s.sendError(c, errorCodeOr(err, protocol.ErrCreateFailed), err.Error())
		}

	case protocol.TypeChatSend:
		var p protocol.ChatSendPayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.sendChat(p.SessionID, p.Text); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}

	case protocol.TypeActionAbort:
		var p protocol.ActionAbortPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.sessionMgr.Abort(p.SessionID, p.ActionID); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}

	case protocol.TypeSessionKill:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.killSession(p.SessionID); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}

	case protocol.TypeFilesRequestTree:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		workDir, err := s.sessionMgr.GetWorkDir(p.SessionID)
		if err != nil {
			s.sendError(c, errorCode(err), err.Error())
			return
		}
		resp, _ := protocol.NewMessage(protocol.TypeFilesTree, protocol.FilesTreePayload{
			SessionID: p.SessionID,
			Tree:      watcher.BuildFileTree(workDir, watcher.MaxTreeDepth),
		})
		c.sendMessage(resp)

	case protocol.TypeProjectCommands:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		resp, err := s.runProjectCommands(p.SessionID)
		if err != nil {
			s.sendError(c, errorCodeOr(err, protocol.ErrCommandsFailed), err.Error())
			return
		}
		c.sendMessage(resp)
	}
}

// createSession creates a session, starts watching its workspace and
// subscribes every connected client to it.
func (s *Server) createSession(workDir, label string) (*session.Session, error) {
	sess, err := s.sessionMgr.Create(workDir, label)
	if err != nil {
		return nil, err
	}

	if err := s.fileWatch.Watch(sess.ID, sess.WorkDir); err != nil {
		s.logger.Warn("failed to start file watcher", zap.String("session", sess.ID), zap.Error(err))
	}

	s.broadcastSessionUpdate(sess.ID)
	s.subscribeAllClients(sess.ID)
	return sess, nil
}

func (s *Server) sendChat(sessionID, text string) (string, error) {
	messageID, err := s.sessionMgr.Send(sessionID, text)
	if err != nil {
		return "", err
	}
	s.broadcastSessionUpdate(sessionID)
	return messageID, nil
}

func (s *Server) killSession(sessionID string) error {
	if err := s.sessionMgr.Kill(sessionID); err != nil {
		return err
	}
	s.fileWatch.Unwatch(sessionID)
	s.broadcastSessionUpdate(sessionID)
	return nil
}

func (s *Server) runProjectCommands(sessionID string) (*protocol.Message, error) {
	commands, err := s.sessionMgr.RunProjectCommands(sessionID)
	if err != nil {
		return nil, err
	}
	payload := protocol.ProjectCommandsPayload{SessionID: sessionID}
	for _, cmd := range commands {
		payload.Commands = append(payload.Commands, protocol.ProjectCommand{
			Type:        cmd.Type,
			Command:     cmd.Command,
			Description: cmd.Description,
		})
	}
	return protocol.NewMessage(protocol.TypeProjectCommands, payload)
}

// errorCode maps manager errors to protocol error codes.
func errorCode(err error) string {
	return errorCodeOr(err, protocol.ErrInternal)
}

func errorCodeOr(err error, fallback string) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrTerminated):
		return protocol.ErrSessionTerminated
	case errors.Is(err, session.ErrBusy):
		return protocol.ErrSessionBusy
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions
	case errors.Is(err, runner.ErrActionNotFound):
		return protocol.ErrActionNotFound
	default:
		return fallback
	}
}

func sessionUpdate(sess *session.Session) (*protocol.Message, error) {
	return protocol.NewMessage(protocol.TypeSessionUpdate, protocol.SessionUpdatePayload{
		ID:           sess.ID,
		State:        string(sess.State),
		WorkDir:      sess.WorkDir,
		Label:        sess.Label,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339Nano),
		MessageCount: sess.MessageCount,
	})
}

// broadcastSessionUpdate sends the current state of a session to all
// connected clients.
func (s *Server) broadcastSessionUpdate(sessionID string) {
	sess, err := s.sessionMgr.Get(sessionID)
	if err != nil {
		return
	}
	msg, err := sessionUpdate(sess)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.sendMessage(msg)
	}
}

// subscribeAllClients subscribes all connected clients to a session's events.
func (s *Server) subscribeAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionID)
	}
}

// subscribeClientToActiveSessions subscribes a single client to all
// non-terminated sessions.
func (s *Server) subscribeClientToActiveSessions(c *client) {
	for _, sess := range s.sessionMgr.List() {
		if sess.State != session.StateTerminated {
			s.subscribeClient(c, sess.ID)
		}
	}
}

// subscribeClient subscribes a single client to a session's events.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if !connected {
		s.subscriptionsMu.Unlock()
		return
	}
	if _, exists := subs[sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.sessionMgr.Subscribe(sessionID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if subs, connected := s.subscriptions[c]; connected {
		subs[sessionID] = subID
	} else {
		s.subscriptionsMu.Unlock()
		s.sessionMgr.Unsubscribe(sessionID, subID)
		return
	}
	s.subscriptionsMu.Unlock()

	// Send history.
	for _, event := range history {
		s.sendEvent(c, event)
	}

	// Forward new events until the session is killed or c unsubscribes.
	go func() {
		for event := range ch {
			s.sendEvent(c, event)
		}
		s.subscriptionsMu.Lock()
		if subs, ok := s.subscriptions[c]; ok && subs[sessionID] == subID {
			delete(subs, sessionID)
		}
		s.subscriptionsMu.Unlock()
	}()
}

// sendEvent translates a session event into protocol messages for c.
func (s *Server) sendEvent(c *client, event session.Event) {
	if msg := eventMessage(event); msg != nil {
		c.sendMessage(msg)
	}
	if event.Type == session.EventTurnDone {
		if sess, err := s.sessionMgr.Get(event.SessionID); err == nil {
			if msg, err := sessionUpdate(sess); err == nil {
				c.sendMessage(msg)
			}
		}
	}
}

// eventMessage maps a session event to its server message, or nil.
func eventMessage(event session.Event) *protocol.Message {
	var (
		msgType string
		payload interface{}
	)
	switch event.Type {
	case session.EventText:
		msgType = protocol.TypeChatText
		payload = protocol.ChatTextPayload{SessionID: event.SessionID, MessageID: event.MessageID, Text: event.Data}

	case session.EventArtifact:
		if event.Artifact == nil {
			return nil
		}
		msgType = protocol.TypeArtifactUpdate
		payload = protocol.ArtifactUpdatePayload{
			SessionID: event.SessionID,
			MessageID: event.MessageID,
			ID:        event.Artifact.ID,
			Title:     event.Artifact.Title,
			Closed:    event.Artifact.Closed,
		}

	case session.EventAction:
		if event.Action == nil {
			return nil
		}
		a := event.Action
		msgType = protocol.TypeActionUpdate
		payload = protocol.ActionUpdatePayload{
			SessionID:  event.SessionID,
			ID:         a.ID,
			ArtifactID: a.ArtifactID,
			Type:       a.Type,
			FilePath:   a.FilePath,
			Content:    a.Content,
			Status:     string(a.Status),
			Error:      a.Error,
			ExitCode:   a.ExitCode,
		}

	case session.EventTerminal:
		msgType = protocol.TypeTerminalOutput
		payload = protocol.TerminalOutputPayload{SessionID: event.SessionID, Data: event.Data}

	case session.EventTurnDone:
		msgType = protocol.TypeChatDone
		payload = protocol.ChatDonePayload{SessionID: event.SessionID, MessageID: event.MessageID, Error: event.Error}

	case session.EventExit:
		msgType = protocol.TypeSessionTerminated
		payload = protocol.SessionTerminatedPayload{SessionID: event.SessionID}

	default:
		return nil
	}

	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil
	}
	return msg
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.sendMessage(msg)
}

// OnFileUpdate is the callback for the file watcher.
func (s *Server) OnFileUpdate(sessionID string, fileCount int) {
	msg, _ := protocol.NewMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
	})
	s.broadcast(msg)
}
