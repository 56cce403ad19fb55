package rsm

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/types"
)

// Registry owns every server-side session. All mutations happen through
// commits applied on the executor goroutine, which is what makes expiry
// decisions identical on every replica.
type Registry struct {
	sessions map[types.SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[types.SessionID]*Session)}
}

func (r *Registry) open(id types.SessionID, timeout, now types.LogicalTime) *Session {
	s := newSession(id, timeout, now)
	r.sessions[id] = s
	return s
}

func (r *Registry) get(id types.SessionID) *Session {
	return r.sessions[id]
}

func (r *Registry) close(id types.SessionID) (*Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, rafterrors.ErrUnknownSession
	}
	s.state = SessionClosed
	delete(r.sessions, id)
	return s, nil
}

// expire closes every session whose keep-alive deadline has passed at logical
// time now. The returned slice is ordered by session id so that every replica
// observes the identical close order.
func (r *Registry) expire(now types.LogicalTime) []*Session {
	var expired []*Session
	for _, s := range r.sessions {
		if s.expired(now) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].id < expired[j].id })

	for _, s := range expired {
		s.state = SessionExpired
		delete(r.sessions, s.id)
	}
	return expired
}

func (r *Registry) len() int {
	return len(r.sessions)
}

type sessionSnapshot struct {
	ID              uint64                  `json:"id"`
	Timeout         int64                   `json:"timeout"`
	LastUpdated     int64                   `json:"last_updated"`
	CommandSequence uint64                  `json:"command_sequence"`
	EventSequence   uint64                  `json:"event_sequence"`
	Events          []protocol.Event        `json:"events,omitempty"`
	Results         map[uint64]cachedResult `json:"results,omitempty"`
}

type registrySnapshot struct {
	LastApplied uint64            `json:"last_applied"`
	Now         int64             `json:"now"`
	Sessions    []sessionSnapshot `json:"sessions"`
}

func (r *Registry) snapshot(w io.Writer, lastApplied types.Index, now types.LogicalTime) error {
	snap := registrySnapshot{
		LastApplied: uint64(lastApplied),
		Now:         int64(now),
	}

	ids := make([]types.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s := r.sessions[id]
		snap.Sessions = append(snap.Sessions, sessionSnapshot{
			ID:              uint64(s.id),
			Timeout:         int64(s.timeout),
			LastUpdated:     int64(s.lastUpdated),
			CommandSequence: s.commandSequence,
			EventSequence:   s.eventSequence,
			Events:          s.events,
			Results:         s.results,
		})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return writeFrame(w, data)
}

func (r *Registry) restore(data []byte) (types.Index, types.LogicalTime, error) {
	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, 0, fmt.Errorf("unmarshal registry: %w", err)
	}

	r.sessions = make(map[types.SessionID]*Session, len(snap.Sessions))
	for _, ss := range snap.Sessions {
		s := newSession(types.SessionID(ss.ID), types.LogicalTime(ss.Timeout), types.LogicalTime(ss.LastUpdated))
		s.commandSequence = ss.CommandSequence
		s.eventSequence = ss.EventSequence
		s.events = ss.Events
		if ss.Results != nil {
			s.results = ss.Results
		}
		r.sessions[s.id] = s
	}
	return types.Index(snap.LastApplied), types.LogicalTime(snap.Now), nil
}
