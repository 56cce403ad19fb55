package client

import (
	"github.com/egorzamaraev/atomix/pkg/future"
)

// sequencedResult is one response as seen by the sequencer, success or typed
// failure.
type sequencedResult struct {
	index  uint64
	output []byte
	err    error
}

type pendingCommand struct {
	sequence uint64
	fut      *future.Future[[]byte]
	resp     *sequencedResult
}

// PendingQuery is the sequencer slot of one submitted query. The submitter
// keeps the pointer to attach the response when it arrives.
type PendingQuery struct {
	fut  *future.Future[[]byte]
	resp *sequencedResult
}

// Sequencer restores submission order on top of a transport that may complete
// responses in any order. Commands are delivered to the user in strictly
// increasing sequence order; queries are delivered FIFO behind the most recent
// command submitted before them. A typed failure counts as a response and
// advances the line; only the sequencer updates the session's commandResponse
// and responseIndex counters, which is what keeps them monotone in delivery
// order.
//
// Runs only on the client context goroutine.
type Sequencer struct {
	state *SessionState

	// responseSequence is the command sequence up to which responses have been
	// delivered.
	responseSequence uint64

	commands map[uint64]*pendingCommand
	// queries are keyed by the command sequence they wait behind.
	queries map[uint64][]*PendingQuery
}

func NewSequencer(state *SessionState) *Sequencer {
	return &Sequencer{
		state:    state,
		commands: make(map[uint64]*pendingCommand),
		queries:  make(map[uint64][]*PendingQuery),
	}
}

// RegisterCommand records a submitted command under its sequence number.
func (s *Sequencer) RegisterCommand(sequence uint64, fut *future.Future[[]byte]) {
	s.commands[sequence] = &pendingCommand{sequence: sequence, fut: fut}
}

// RegisterQuery records a submitted query behind the given command barrier
// (the most recently assigned command sequence at submit time).
func (s *Sequencer) RegisterQuery(barrier uint64, fut *future.Future[[]byte]) *PendingQuery {
	q := &PendingQuery{fut: fut}
	s.queries[barrier] = append(s.queries[barrier], q)
	return q
}

// SequenceCommand feeds a command response in. Delivery happens when the
// sequence becomes head-of-line.
func (s *Sequencer) SequenceCommand(sequence uint64, index uint64, output []byte, err error) {
	pc, ok := s.commands[sequence]
	if !ok {
		// ответ на команду, которой уже нет (failAll успел раньше)
		return
	}
	pc.resp = &sequencedResult{index: index, output: output, err: err}
	s.drain()
}

// SequenceQuery feeds a query response in.
func (s *Sequencer) SequenceQuery(q *PendingQuery, index uint64, output []byte, err error) {
	q.resp = &sequencedResult{index: index, output: output, err: err}
	s.drain()
}

func (s *Sequencer) drain() {
	for {
		if s.drainQueries() {
			continue
		}

		next := s.responseSequence + 1
		pc, ok := s.commands[next]
		if !ok || pc.resp == nil {
			return
		}

		delete(s.commands, next)
		s.responseSequence = next
		s.deliver(pc.fut, pc.resp)
		s.state.SetCommandResponse(next)
	}
}

// drainQueries delivers queries queued behind the current barrier, in
// submission order, while their responses have arrived.
func (s *Sequencer) drainQueries() bool {
	qs := s.queries[s.responseSequence]
	progressed := false
	for len(qs) > 0 && qs[0].resp != nil {
		q := qs[0]
		qs = qs[1:]
		s.deliver(q.fut, q.resp)
		progressed = true
	}

	if len(qs) == 0 {
		delete(s.queries, s.responseSequence)
	} else {
		s.queries[s.responseSequence] = qs
	}
	return progressed
}

func (s *Sequencer) deliver(fut *future.Future[[]byte], res *sequencedResult) {
	s.state.SetResponseIndex(res.index)
	if res.err != nil {
		fut.Fail(res.err)
	} else {
		fut.Complete(res.output)
	}
}

// FailAll rejects every pending command and query. Used when the session is
// lost: nothing submitted on it can complete anymore.
func (s *Sequencer) FailAll(err error) {
	for seq, pc := range s.commands {
		pc.fut.Fail(err)
		delete(s.commands, seq)
	}
	for barrier, qs := range s.queries {
		for _, q := range qs {
			q.fut.Fail(err)
		}
		delete(s.queries, barrier)
	}
}
