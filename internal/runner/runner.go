// Package runner executes parsed actions against one shared runtime, one at
// a time, in the order the actions were opened.
package runner

import (
	"context"
	"errors"
	"sync"

	"forge/internal/artifact"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrActionNotFound is returned when aborting an id the runner never saw.
	ErrActionNotFound = errors.New("action not found")
	// ErrClosed is returned by Wait once the runner has been torn down.
	ErrClosed = errors.New("runner closed")
)

// Runner owns the action records of one chat session. Actions are queued in
// open order; an action starts only after it was submitted and every action
// opened before it reached a terminal state.
type Runner struct {
	rt     Runtime
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	next    int
	closed  bool
	changed chan struct{}
	subs    map[string]*subscriber

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a runner and starts its worker.
func New(rt Runtime, sink Sink, logger *zap.Logger) *Runner {
	if sink == nil {
		sink = SinkFunc(func(string) {})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		rt:      rt,
		sink:    sink,
		logger:  logger.Named("runner"),
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
		subs:    make(map[string]*subscriber),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Handle applies a ParseEvent.
func (r *Runner) Handle(ev artifact.Event) {
	switch e := ev.(type) {
	case artifact.ActionOpen:
		r.AddAction(e.Action)
	case artifact.ActionUpdate:
		r.UpdateAction(e.ID, e.Content)
	case artifact.ActionClose:
		r.freeze(e.ID, e.Content)
		r.RunAction(e.ID)
	}
}

// AddAction registers a pending action. Known ids are ignored.
func (r *Runner) AddAction(a artifact.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[a.ID]; ok {
		return
	}
	if r.closed {
		r.logger.Debug("action added after close", zap.String("action", a.ID))
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	e := &entry{
		action:  a,
		content: a.Content,
		status:  StatusPending,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.entries[a.ID] = e
	r.order = append(r.order, a.ID)
	r.notify(e)
}

// UpdateAction appends streamed body text to an action that is still open.
func (r *Runner) UpdateAction(id, delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	e := r.mustGet(id)
	if e.frozen || e.executed {
		return
	}
	e.content += delta
	r.notify(e)
}

// RunAction submits an action for execution. Only the first call for an id
// has an effect. Calls after Close are ignored.
func (r *Runner) RunAction(id string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	e := r.mustGet(id)
	if e.executed {
		r.mu.Unlock()
		return
	}
	e.executed = true
	e.frozen = true
	r.notify(e)
	r.mu.Unlock()

	r.signal()
}

// Abort cancels an action. A pending action becomes aborted and never
// starts; a running one has its process killed. Terminal actions are left
// untouched.
func (r *Runner) Abort(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrActionNotFound
	}

	switch e.status {
	case StatusPending:
		e.status = StatusAborted
		e.cancel()
		r.notify(e)
	case StatusRunning:
		e.cancel()
	}
	r.mu.Unlock()

	r.logger.Debug("action aborted", zap.String("action", id))
	r.signal()
	return nil
}

// AbortUnclosed aborts actions whose closing tag never arrived, so they do
// not hold up the queue.
func (r *Runner) AbortUnclosed(ids []string) {
	for _, id := range ids {
		if err := r.Abort(id); err != nil {
			r.logger.Warn("abort unclosed action", zap.String("action", id), zap.Error(err))
		}
	}
}

// Get returns the state of one action.
func (r *Runner) Get(id string) (ActionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ActionState{}, false
	}
	return e.state(), true
}

// Snapshot returns every action in open order.
func (r *Runner) Snapshot() []ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Runner) snapshotLocked() []ActionState {
	out := make([]ActionState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].state())
	}
	return out
}

// Subscribe returns a channel of state changes plus the current snapshot.
// A slow subscriber never blocks the runner: states it has not taken yet
// are merged per action, so it may skip intermediate states but always
// receives each action's latest one. After Close the channel delivers what
// is left and is closed.
func (r *Runner) Subscribe() (string, <-chan ActionState, []ActionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subID := uuid.New().String()
	if r.closed {
		ch := make(chan ActionState)
		close(ch)
		return subID, ch, r.snapshotLocked()
	}
	sub := newSubscriber()
	r.subs[subID] = sub
	return subID, sub.out, r.snapshotLocked()
}

// Unsubscribe removes a subscriber. Its channel is closed without
// delivering pending states.
func (r *Runner) Unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[subID]; ok {
		close(sub.quit)
		delete(r.subs, subID)
	}
}

// Wait blocks until every registered action is terminal.
func (r *Runner) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		idle := true
		for _, e := range r.entries {
			if !e.status.Terminal() {
				idle = false
				break
			}
		}
		closed := r.closed
		changed := r.changed
		r.mu.Unlock()

		if idle {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears the runner down: pending actions are aborted, the running one
// is killed, and the worker exits.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, id := range r.order {
		e := r.entries[id]
		if e.status == StatusPending {
			e.status = StatusAborted
			r.notify(e)
		}
		e.cancel()
	}
	r.mu.Unlock()

	r.cancel()
	<-r.done

	r.mu.Lock()
	for id, sub := range r.subs {
		close(sub.finish)
		delete(r.subs, id)
	}
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return nil
}

func (r *Runner) freeze(id, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	e := r.mustGet(id)
	if e.frozen {
		return
	}
	e.content = content
	e.frozen = true
	r.notify(e)
}

func (r *Runner) mustGet(id string) *entry {
	e, ok := r.entries[id]
	if !ok {
		unreachable("action %s not found", id)
	}
	return e
}

// notify publishes e's state. Callers hold r.mu.
func (r *Runner) notify(e *entry) {
	state := e.state()
	for _, sub := range r.subs {
		sub.push(state)
	}
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) loop() {
	defer close(r.done)

	for {
		if e := r.nextReady(); e != nil {
			r.execute(e)
			continue
		}

		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

// nextReady pops the head of the queue if it has been submitted, skipping
// actions that were aborted before they started.
func (r *Runner) nextReady() *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	for r.next < len(r.order) {
		e := r.entries[r.order[r.next]]
		if e.status.Terminal() {
			r.next++
			continue
		}
		if !e.executed {
			return nil
		}
		r.next++
		e.status = StatusRunning
		r.notify(e)
		return e
	}
	return nil
}
