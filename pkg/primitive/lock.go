package primitive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rsm"
	"github.com/egorzamaraev/atomix/pkg/types"
)

// Operation names of the lock service.
var (
	LockAcquire = protocol.CommandOp("lock/acquire")
	LockRelease = protocol.CommandOp("lock/release")
	LockHolder  = protocol.QueryOp("lock/holder")
)

// LockGrantedEvent notifies a queued session that it now holds the lock.
const LockGrantedEvent = "lock/granted"

// ErrNotLockHolder is returned on release by a session that does not hold the
// lock.
var ErrNotLockHolder = errors.New("atomix: not lock holder")

type LockRequest struct {
	Name string `json:"name"`
}

type LockResponse struct {
	Acquired bool `json:"acquired"`
	// Index of the acquire commit; doubles as the fencing token.
	Index uint64 `json:"index,omitempty"`
}

type lockHolder struct {
	Session uint64 `json:"session"`
	Index   uint64 `json:"index"`
}

type lockState struct {
	Holder  *lockHolder  `json:"holder,omitempty"`
	Waiters []lockHolder `json:"waiters,omitempty"`
}

// LockService is a replicated mutex registry. An acquire either grants
// immediately or queues the session; queued sessions learn about the grant
// through a session event carrying the fencing index. Locks held or awaited by
// a dead session are cleaned up when the session closes or expires.
type LockService struct {
	exec  *rsm.Executor
	locks map[string]*lockState
}

func NewLockService() *LockService {
	return &LockService{locks: make(map[string]*lockState)}
}

func (l *LockService) Name() string {
	return "lock"
}

func (l *LockService) Register(exec *rsm.Executor) {
	l.exec = exec
	exec.Register(LockAcquire, l.acquire)
	exec.Register(LockRelease, l.release)
	exec.Register(LockHolder, l.holder)
}

func (l *LockService) acquire(c *rsm.Commit) ([]byte, error) {
	var req LockRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode lock/acquire: %w", err)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("lock/acquire: empty name")
	}

	state, ok := l.locks[req.Name]
	if !ok {
		state = &lockState{}
		l.locks[req.Name] = state
	}

	me := lockHolder{Session: uint64(c.Session().ID()), Index: uint64(c.Index())}
	if state.Holder == nil {
		state.Holder = &me
		return json.Marshal(LockResponse{Acquired: true, Index: me.Index})
	}

	state.Waiters = append(state.Waiters, me)
	return json.Marshal(LockResponse{Acquired: false})
}

func (l *LockService) release(c *rsm.Commit) ([]byte, error) {
	var req LockRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode lock/release: %w", err)
	}

	state, ok := l.locks[req.Name]
	if !ok || state.Holder == nil || state.Holder.Session != uint64(c.Session().ID()) {
		return nil, ErrNotLockHolder
	}

	l.grantNext(req.Name, state)
	return nil, nil
}

func (l *LockService) holder(c *rsm.Commit) ([]byte, error) {
	var req LockRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode lock/holder: %w", err)
	}

	state, ok := l.locks[req.Name]
	if !ok || state.Holder == nil {
		return nil, nil
	}
	return json.Marshal(*state.Holder)
}

// grantNext hands the lock to the first waiter, notifying it by session event,
// or clears the lock when the queue is empty.
func (l *LockService) grantNext(name string, state *lockState) {
	for len(state.Waiters) > 0 {
		next := state.Waiters[0]
		state.Waiters = state.Waiters[1:]

		s := l.exec.Session(types.SessionID(next.Session))
		if s == nil {
			continue // сессия умерла, пока ждала
		}

		state.Holder = &next
		payload, _ := json.Marshal(LockResponse{Acquired: true, Index: next.Index})
		s.Publish(LockGrantedEvent, payload)
		return
	}

	state.Holder = nil
	delete(l.locks, name)
}

// SessionExpired releases everything the dead session held or awaited.
func (l *LockService) SessionExpired(s *rsm.Session) {
	l.dropSession(uint64(s.ID()))
}

func (l *LockService) SessionClosed(s *rsm.Session) {
	l.dropSession(uint64(s.ID()))
}

func (l *LockService) SessionOpened(*rsm.Session) {}

func (l *LockService) dropSession(session uint64) {
	for name, state := range l.locks {
		i := 0
		for _, w := range state.Waiters {
			if w.Session != session {
				state.Waiters[i] = w
				i++
			}
		}
		state.Waiters = state.Waiters[:i]

		if state.Holder != nil && state.Holder.Session == session {
			l.grantNext(name, state)
		}
	}
}

func (l *LockService) Snapshot(w io.Writer) error {
	return json.NewEncoder(w).Encode(l.locks)
}

func (l *LockService) Restore(r io.Reader) error {
	locks := make(map[string]*lockState)
	if err := json.NewDecoder(r).Decode(&locks); err != nil {
		return fmt.Errorf("restore lock: %w", err)
	}
	l.locks = locks
	return nil
}
