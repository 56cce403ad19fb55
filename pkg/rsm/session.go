package rsm

import (
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/types"
)

const (
	SessionOpen SessionState = iota
	SessionExpired
	SessionClosed
)

type SessionState uint8

type cachedResult struct {
	Output  []byte             `json:"output,omitempty"`
	Error   protocol.ErrorKind `json:"error,omitempty"`
	Message string             `json:"message,omitempty"`
}

func (r cachedResult) err() error {
	return protocol.ErrorOf(r.Error, r.Message)
}

type pendingCommand struct {
	index types.Index
	ts    types.LogicalTime
	op    protocol.Operation
	reply ReplyFunc
}

// Session is the server-side view of one client session. It is mutated only on
// the executor goroutine.
type Session struct {
	id          types.SessionID
	timeout     types.LogicalTime // millis
	lastUpdated types.LogicalTime
	state       SessionState

	// commandSequence is the highest request sequence applied so far.
	// Sequences at or below it are replays answered from the result cache.
	commandSequence uint64
	// pending holds commands that arrived above commandSequence+1 until the
	// gap fills.
	pending map[uint64]*pendingCommand
	// results caches command outputs for replay dedupe, pruned by keep-alive.
	results map[uint64]cachedResult

	// eventSequence is the last assigned outbound event sequence.
	eventSequence uint64
	events        []protocol.Event
}

func newSession(id types.SessionID, timeout, now types.LogicalTime) *Session {
	return &Session{
		id:          id,
		timeout:     timeout,
		lastUpdated: now,
		state:       SessionOpen,
		// event sequences start from the session id, mirroring the client's
		// eventIndex seed
		eventSequence: uint64(id),
		pending:       make(map[uint64]*pendingCommand),
		results:       make(map[uint64]cachedResult),
	}
}

func (s *Session) ID() types.SessionID {
	return s.id
}

func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) Timeout() types.LogicalTime {
	return s.timeout
}

// LastUpdated returns the logical time of the last keep-alive, command or open.
func (s *Session) LastUpdated() types.LogicalTime {
	return s.lastUpdated
}

func (s *Session) CommandSequence() uint64 {
	return s.commandSequence
}

// Publish buffers an outbound event under the next event sequence. Events stay
// buffered until a keep-alive acknowledges them.
func (s *Session) Publish(eventType string, payload []byte) {
	s.eventSequence++
	s.events = append(s.events, protocol.Event{
		SessionID: uint64(s.id),
		Sequence:  s.eventSequence,
		Type:      eventType,
		Payload:   payload,
	})
}

// pendingEvents returns a copy of the unacknowledged events.
func (s *Session) pendingEvents() []protocol.Event {
	if len(s.events) == 0 {
		return nil
	}
	out := make([]protocol.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Session) keepAlive(now types.LogicalTime, commandSeq, eventSeq uint64) {
	s.lastUpdated = now

	// результаты до commandSeq клиент уже получил — чистим кеш повторов
	for seq := range s.results {
		if seq <= commandSeq {
			delete(s.results, seq)
		}
	}

	i := 0
	for _, ev := range s.events {
		if ev.Sequence > eventSeq {
			s.events[i] = ev
			i++
		}
	}
	s.events = s.events[:i]
}

func (s *Session) expired(now types.LogicalTime) bool {
	return s.state == SessionOpen && s.lastUpdated+s.timeout < now
}

func (s *Session) cacheResult(seq uint64, output []byte, err error) {
	res := cachedResult{Output: output, Error: protocol.KindOf(err)}
	if ae, ok := rafterrors.AsApplication(err); ok {
		res.Message = ae.Message
	}
	s.results[seq] = res
	s.commandSequence = seq
}
