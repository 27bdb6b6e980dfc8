package runner

import "sync"

// subscriber delivers state changes to one observer. States not yet taken
// by the observer are merged per action, so a slow observer may skip
// intermediate states but always receives the latest state of every action.
type subscriber struct {
	out chan ActionState

	mu      sync.Mutex
	pending map[string]ActionState
	order   []string

	wake   chan struct{}
	quit   chan struct{} // stop at once
	finish chan struct{} // deliver what is pending, then stop
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:     make(chan ActionState),
		pending: make(map[string]ActionState),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		finish:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(state ActionState) {
	s.mu.Lock()
	if _, ok := s.pending[state.ID]; !ok {
		s.order = append(s.order, state.ID)
	}
	s.pending[state.ID] = state
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (ActionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return ActionState{}, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	state := s.pending[id]
	delete(s.pending, id)
	return state, true
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		state, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.finish:
				// No pushes follow finish.
				if state, ok = s.pop(); !ok {
					return
				}
			case <-s.quit:
				return
			}
		}

		select {
		case s.out <- state:
		case <-s.quit:
			return
		}
	}
}
