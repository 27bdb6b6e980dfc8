package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"forge/internal/artifact"
	"forge/internal/llm"
	"forge/internal/runner"
	"forge/internal/sandbox"
	"forge/internal/stream"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrTerminated  = errors.New("session terminated")
	ErrBusy        = errors.New("session is already answering a message")
	ErrMaxSessions = errors.New("maximum session limit reached")
)

// Options configures a Manager.
type Options struct {
	MaxSessions int
	Provider    llm.Provider
	MaxTokens   int
	MaxSegments int
	Logger      *zap.Logger
}

// Manager manages the lifecycle of chat sessions. Each session owns a
// workspace, an action runner and the chat history sent to the provider.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*managedSession
	maxSessions int

	continuer *stream.Continuer
	maxTokens int
	logger    *zap.Logger
}

type managedSession struct {
	Session *Session
	ws      *sandbox.Workspace
	runner  *runner.Runner
	logger  *zap.Logger

	ringBuf     *RingBuffer
	subscribers map[string]chan Event
	subsClosed  bool
	subMu       sync.RWMutex

	// Guarded by Manager.mu.
	history    []llm.Message
	turnCancel context.CancelFunc
	turnDone   chan struct{}

	forwardDone chan struct{}
}

// NewManager creates a new session manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	return &Manager{
		sessions:    make(map[string]*managedSession),
		maxSessions: opts.MaxSessions,
		continuer:   stream.NewContinuer(opts.Provider, opts.MaxSegments, logger),
		maxTokens:   maxTokens,
		logger:      logger.Named("session"),
	}
}

// Create opens a session whose actions run in workDir.
func (m *Manager) Create(workDir, label string) (*Session, error) {
	ws, err := sandbox.New(workDir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	activeCount := 0
	for _, ms := range m.sessions {
		if ms.Session.State != StateTerminated {
			activeCount++
		}
	}
	if activeCount >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	id := uuid.New().String()
	ms := &managedSession{
		Session: &Session{
			ID:        id,
			State:     StateIdle,
			WorkDir:   ws.Root(),
			CreatedAt: time.Now().UTC(),
			Label:     label,
		},
		ws:          ws,
		logger:      m.logger.With(zap.String("session", id)),
		ringBuf:     NewRingBuffer(defaultRingBufCapacity),
		subscribers: make(map[string]chan Event),
		forwardDone: make(chan struct{}),
	}
	ms.runner = runner.New(ws, runner.SinkFunc(func(text string) {
		m.emit(ms, Event{Type: EventTerminal, Data: text})
	}), ms.logger)

	m.sessions[id] = ms
	snapshot := *ms.Session
	m.mu.Unlock()

	_, states, _ := ms.runner.Subscribe()
	go m.forwardActions(ms, states)

	ms.logger.Info("session created", zap.String("workDir", ws.Root()))
	return &snapshot, nil
}

// forwardActions republishes runner state changes as session events until
// the runner closes the channel.
func (m *Manager) forwardActions(ms *managedSession, states <-chan runner.ActionState) {
	defer close(ms.forwardDone)
	for st := range states {
		st := streamingState(st)
		m.emit(ms, Event{Type: EventAction, Action: &st})
	}
}

// streamingState drops the body of an action that is still being streamed.
// The final body goes out once the action is submitted.
func streamingState(st runner.ActionState) runner.ActionState {
	if !st.Executed && !st.Status.Terminal() {
		st.Content = ""
	}
	return st
}

// emit stamps an event, records it for late subscribers and fans it out.
// Buffer order and delivery order are identical.
func (m *Manager) emit(ms *managedSession, event Event) {
	event.SessionID = ms.Session.ID
	event.Timestamp = time.Now().UTC()

	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	ms.ringBuf.Write(event)
	m.fanOut(ms, event)
}

// fanOut sends an event to all subscribers. Callers hold ms.subMu.
func (m *Manager) fanOut(ms *managedSession, event Event) {
	for _, ch := range ms.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

// Get returns a copy of a session's metadata.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s := *ms.Session
	return &s, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		s := *ms.Session
		result = append(result, &s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Send starts a chat turn with text as the user message and returns the id
// of the assistant message being produced. The turn runs in the background;
// its output arrives as events and ends with a turn_done event.
func (m *Manager) Send(id, text string) (string, error) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ms.Session.State == StateTerminated {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTerminated, id)
	}
	if ms.turnDone != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrBusy, id)
	}

	ms.history = append(ms.history, llm.Message{Role: llm.RoleUser, Content: text})
	ms.Session.MessageCount = len(ms.history)
	ms.Session.State = StateActive

	req := llm.Request{
		System:    llm.SystemPrompt,
		Messages:  append([]llm.Message(nil), ms.history...),
		MaxTokens: m.maxTokens,
	}
	messageID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	ms.turnCancel = cancel
	ms.turnDone = make(chan struct{})
	done := ms.turnDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.runTurn(ctx, ms, messageID, req)
	}()
	return messageID, nil
}

// Abort cancels one action of a session.
func (m *Manager) Abort(id, actionID string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := ms.runner.Abort(actionID); err != nil {
		return fmt.Errorf("abort %s: %w", actionID, err)
	}
	return nil
}

// Actions returns every action of a session in open order.
func (m *Manager) Actions(id string) ([]runner.ActionState, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.runner.Snapshot(), nil
}

// RunProjectCommands detects the commands of the project in the session
// workspace and queues them as a shell-only artifact behind any pending
// actions.
func (m *Manager) RunProjectCommands(id string) ([]artifact.ProjectCommand, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if state := m.state(ms); state == StateTerminated {
		return nil, fmt.Errorf("%w: %s", ErrTerminated, id)
	}

	manifest, err := ms.ws.ReadFile("package.json")
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}
	commands, err := artifact.DetectProjectCommands(manifest)
	if err != nil {
		return nil, err
	}

	messageID := artifact.ProjectCommandsID + "-" + uuid.New().String()
	p := artifact.NewParser(messageID, m.callbacks(ms, messageID))
	p.Feed(artifact.CommandsDocument(commands))
	p.Close()

	ms.logger.Info("queued project commands", zap.Int("count", len(commands)))
	return commands, nil
}

// Kill terminates a session: the running turn is cancelled, every action
// is aborted and an exit event closes the stream.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ms.Session.State == StateTerminated {
		m.mu.Unlock()
		return nil // Already terminated.
	}
	ms.Session.State = StateTerminated
	cancel, done := ms.turnCancel, ms.turnDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	ms.runner.Close()
	<-ms.forwardDone

	m.emit(ms, Event{Type: EventExit})

	ms.subMu.Lock()
	for subID, ch := range ms.subscribers {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subsClosed = true
	ms.subMu.Unlock()

	ms.logger.Info("session terminated")
	return nil
}

// Subscribe creates a channel that receives events for a session.
// Returns the subscription ID, the channel and the buffered history. The
// channel is closed once the session is killed.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	ms.subMu.Lock()
	history := ms.ringBuf.ReadAll()
	if ms.subsClosed {
		close(ch)
	} else {
		ms.subscribers[subID] = ch
	}
	ms.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a session.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown terminates all active sessions.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, ms := range m.sessions {
		if ms.Session.State != StateTerminated {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Kill(id); err != nil {
			m.logger.Warn("kill session", zap.String("session", id), zap.Error(err))
		}
	}
}

// GetWorkDir returns the working directory for a session.
func (m *Manager) GetWorkDir(id string) (string, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return ms.ws.Root(), nil
}

func (m *Manager) state(ms *managedSession) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ms.Session.State
}
