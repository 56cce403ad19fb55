package client

import (
	"sync"
	"time"

	"github.com/egorzamaraev/atomix/pkg/clock"
	"github.com/egorzamaraev/atomix/pkg/types"
)

const (
	StateOpen State = iota
	StateExpired
	StateClosed
)

type State uint8

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateExpired:
		return "expired"
	default:
		return "closed"
	}
}

// SessionState mirrors one server session on the client: the four counters
// every request and response flows through. All mutation happens on the client
// context goroutine; the counters themselves are atomics so that read-only
// accessors are safe from anywhere.
type SessionState struct {
	sessionID types.SessionID
	timeout   time.Duration

	// commandRequest is the highest command sequence assigned so far.
	commandRequest *clock.AtomicClock
	// commandResponse is the highest command sequence delivered to the user.
	commandResponse *clock.MaxClock
	// responseIndex is the highest log index observed in a delivered response.
	responseIndex *clock.MaxClock
	// eventIndex is the highest event sequence consumed.
	eventIndex *clock.MaxClock

	mu        sync.Mutex
	state     State
	listeners []func(State)
}

// NewSessionState seeds responseIndex and eventIndex with the session id: the
// session's own open commit is the first index it has observed.
func NewSessionState(sessionID types.SessionID, timeout time.Duration) *SessionState {
	return &SessionState{
		sessionID:       sessionID,
		timeout:         timeout,
		commandRequest:  clock.NewAtomic(0),
		commandResponse: clock.NewMax(0),
		responseIndex:   clock.NewMax(uint64(sessionID)),
		eventIndex:      clock.NewMax(uint64(sessionID)),
	}
}

func (s *SessionState) SessionID() types.SessionID {
	return s.sessionID
}

func (s *SessionState) Timeout() time.Duration {
	return s.timeout
}

// NextCommandRequest assigns the next command sequence number.
func (s *SessionState) NextCommandRequest() uint64 {
	return s.commandRequest.Next()
}

func (s *SessionState) CommandRequest() uint64 {
	return s.commandRequest.Val()
}

func (s *SessionState) CommandResponse() uint64 {
	return s.commandResponse.Val()
}

func (s *SessionState) SetCommandResponse(seq uint64) {
	s.commandResponse.Advance(seq)
}

func (s *SessionState) ResponseIndex() uint64 {
	return s.responseIndex.Val()
}

func (s *SessionState) SetResponseIndex(index uint64) {
	s.responseIndex.Advance(index)
}

func (s *SessionState) EventIndex() uint64 {
	return s.eventIndex.Val()
}

func (s *SessionState) SetEventIndex(index uint64) {
	s.eventIndex.Advance(index)
}

func (s *SessionState) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a listener invoked on every state transition.
func (s *SessionState) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *SessionState) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	listeners := make([]func(State), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
