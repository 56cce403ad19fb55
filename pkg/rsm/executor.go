package rsm

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/egorzamaraev/atomix/pkg/metrics"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/types"
)

// Handler executes one operation against the state machine.
type Handler func(c *Commit) ([]byte, error)

// ReplyFunc delivers an operation result back toward the client. For buffered
// commands it fires when the sequence gap fills, not when the entry commits.
type ReplyFunc func(output []byte, index types.Index, err error)

// QueryReply delivers a query result.
type QueryReply func(output []byte, index types.Index, err error)

type pendingQuery struct {
	sessionID types.SessionID
	lastIndex types.Index
	op        protocol.Operation
	reply     QueryReply
}

// Executor applies committed log entries to the registered state machine
// services. It is strictly single-goroutine: whoever drives the commit stream
// owns it, and every handler, scheduled callback and session listener runs on
// that goroutine.
type Executor struct {
	registry  *Registry
	scheduler *Scheduler

	handlers  map[string]Handler
	services  []Service
	listeners []SessionEventListener

	lastApplied types.Index
	now         types.LogicalTime

	// pinned tracks commits retained by state machine code; the minimum pinned
	// index bounds log compaction.
	pinned map[types.Index]int

	// pendingQueries wait until lastApplied catches up with the index the
	// client has already observed.
	pendingQueries []pendingQuery

	sessionMinTimeout types.LogicalTime
	sessionMaxTimeout types.LogicalTime

	collector metrics.Collector
}

type ExecutorOption func(*Executor)

// WithSessionTimeouts clamps client-requested session timeouts.
func WithSessionTimeouts(min, max types.LogicalTime) ExecutorOption {
	return func(e *Executor) {
		e.sessionMinTimeout = min
		e.sessionMaxTimeout = max
	}
}

func WithCollector(c metrics.Collector) ExecutorOption {
	return func(e *Executor) {
		e.collector = c
	}
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:          NewRegistry(),
		scheduler:         NewScheduler(),
		handlers:          make(map[string]Handler),
		pinned:            make(map[types.Index]int),
		sessionMinTimeout: 250,
		sessionMaxTimeout: 5 * 60 * 1000,
		collector:         metrics.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds a handler to an operation id. Re-registering overwrites the
// prior handler. Registration is static once apply starts.
func (e *Executor) Register(id protocol.OperationID, h Handler) {
	e.handlers[id.Name] = h
}

// RegisterTask binds a named scheduled-task handler.
func (e *Executor) RegisterTask(name string, fn func(payload []byte)) {
	e.scheduler.RegisterTask(name, fn)
}

// RegisterService registers the service's handlers and includes it in the user
// section of snapshots, in registration order.
func (e *Executor) RegisterService(svc Service) {
	svc.Register(e)
	e.services = append(e.services, svc)
	if l, ok := svc.(SessionEventListener); ok {
		e.listeners = append(e.listeners, l)
	}
}

func (e *Executor) Scheduler() *Scheduler {
	return e.scheduler
}

func (e *Executor) LastApplied() types.Index {
	return e.lastApplied
}

func (e *Executor) Now() types.LogicalTime {
	return e.now
}

func (e *Executor) Sessions() int {
	return e.registry.len()
}

// Session returns the live session with the given id, nil if none.
func (e *Executor) Session(id types.SessionID) *Session {
	return e.registry.get(id)
}

// CompactionFloor returns the highest index the log may be compacted through:
// everything below the oldest retained commit (or lastApplied when nothing is
// retained).
func (e *Executor) CompactionFloor() types.Index {
	floor := e.lastApplied
	for idx := range e.pinned {
		if idx <= floor {
			floor = idx - 1
		}
	}
	return floor
}

func (e *Executor) pin(index types.Index) {
	e.pinned[index]++
}

func (e *Executor) unpin(index types.Index) {
	if n, ok := e.pinned[index]; ok {
		if n <= 1 {
			delete(e.pinned, index)
		} else {
			e.pinned[index] = n - 1
		}
	}
}

// begin advances the executor to a new commit: checks index continuity,
// advances logical time, fires due scheduled tasks and expires dead sessions —
// all before the commit's own handler runs.
func (e *Executor) begin(index types.Index, ts types.LogicalTime) {
	if index != e.lastApplied+1 {
		panic(fmt.Sprintf("rsm: out-of-order commit index %d, last applied %d", index, e.lastApplied))
	}
	e.lastApplied = index
	if ts > e.now {
		e.now = ts
	}

	e.scheduler.advance(e.now)
	e.scheduler.runDue()
	e.expireSessions()
}

// finish runs queued queries whose index requirement is now satisfied.
func (e *Executor) finish() {
	if len(e.pendingQueries) == 0 {
		return
	}
	remaining := e.pendingQueries[:0]
	for _, q := range e.pendingQueries {
		if q.lastIndex <= e.lastApplied {
			e.executeQuery(q.sessionID, q.op, q.reply)
		} else {
			remaining = append(remaining, q)
		}
	}
	e.pendingQueries = remaining
}

func (e *Executor) expireSessions() {
	for _, s := range e.registry.expire(e.now) {
		slog.Info("session expired", "session_id", s.id, "timeout", s.timeout, "now", e.now)
		e.collector.IncCounter("sessions_expired", nil, 1)
		e.failPending(s)
		for _, l := range e.listeners {
			l.SessionExpired(s)
		}
	}
}

func (e *Executor) failPending(s *Session) {
	for seq, p := range s.pending {
		p.reply(nil, p.index, rafterrors.ErrUnknownSession)
		delete(s.pending, seq)
	}
}

// OpenSession applies an open-session commit. The new session id is the commit
// index, which keeps ids unique and monotone across the cluster.
func (e *Executor) OpenSession(index types.Index, ts types.LogicalTime, clientID string, timeout types.LogicalTime) (types.SessionID, types.LogicalTime) {
	e.begin(index, ts)
	defer e.finish()

	if timeout < e.sessionMinTimeout {
		timeout = e.sessionMinTimeout
	}
	if timeout > e.sessionMaxTimeout {
		timeout = e.sessionMaxTimeout
	}

	s := e.registry.open(types.SessionID(index), timeout, e.now)
	slog.Debug("session opened", "session_id", s.id, "client_id", clientID, "timeout", timeout)
	e.collector.IncCounter("sessions_opened", nil, 1)

	for _, l := range e.listeners {
		l.SessionOpened(s)
	}
	return s.id, timeout
}

// KeepAlive applies a keep-alive commit: refreshes liveness, prunes the replay
// cache up to commandSeq and acknowledges events up to eventSeq. The returned
// events are the ones still awaiting acknowledgement.
func (e *Executor) KeepAlive(index types.Index, ts types.LogicalTime, sessionID types.SessionID, commandSeq, eventSeq uint64) ([]protocol.Event, error) {
	e.begin(index, ts)
	defer e.finish()

	s := e.registry.get(sessionID)
	if s == nil {
		return nil, rafterrors.ErrUnknownSession
	}
	s.keepAlive(e.now, commandSeq, eventSeq)
	return s.pendingEvents(), nil
}

// CloseSession applies a close-session commit.
func (e *Executor) CloseSession(index types.Index, ts types.LogicalTime, sessionID types.SessionID) error {
	e.begin(index, ts)
	defer e.finish()

	s, err := e.registry.close(sessionID)
	if err != nil {
		return err
	}
	e.failPending(s)
	for _, l := range e.listeners {
		l.SessionClosed(s)
	}
	slog.Debug("session closed", "session_id", sessionID)
	return nil
}

// Metadata applies a no-op commit whose only effect is advancing logical time:
// scheduled tasks fire and sessions expire.
func (e *Executor) Metadata(index types.Index, ts types.LogicalTime) {
	e.begin(index, ts)
	e.finish()
}

// Command applies a command commit. Sequence handling per session:
// at or below the applied threshold is a replay answered from cache, exactly
// one above executes now and drains any buffered successors, further above is
// buffered until the gap fills.
func (e *Executor) Command(index types.Index, ts types.LogicalTime, sessionID types.SessionID, sequence uint64, op protocol.Operation, reply ReplyFunc) {
	e.begin(index, ts)
	defer e.finish()

	s := e.registry.get(sessionID)
	if s == nil {
		reply(nil, index, rafterrors.ErrUnknownSession)
		return
	}
	s.lastUpdated = e.now

	switch {
	case sequence <= s.commandSequence:
		// повтор: отвечаем из кеша, состояние не трогаем
		if res, ok := s.results[sequence]; ok {
			reply(res.Output, index, res.err())
		} else {
			// кеш уже подрезан keep-alive — клиент ответ получал
			reply(nil, index, nil)
		}

	case sequence == s.commandSequence+1:
		output, err := e.execute(s, index, ts, op)
		s.cacheResult(sequence, output, err)
		reply(output, index, err)
		e.drainPending(s)

	default:
		s.pending[sequence] = &pendingCommand{index: index, ts: ts, op: op, reply: reply}
	}
}

func (e *Executor) drainPending(s *Session) {
	for {
		next := s.commandSequence + 1
		p, ok := s.pending[next]
		if !ok {
			return
		}
		delete(s.pending, next)

		output, err := e.execute(s, p.index, p.ts, p.op)
		s.cacheResult(next, output, err)
		p.reply(output, p.index, err)
	}
}

// execute dispatches one command to its handler. Handler panics and errors are
// contained to the commit: they become application errors and the session
// lives on.
func (e *Executor) execute(s *Session, index types.Index, ts types.LogicalTime, op protocol.Operation) (output []byte, err error) {
	h, ok := e.handlers[op.ID.Name]
	if !ok {
		return nil, rafterrors.ErrUnknownOperation
	}

	prev := e.scheduler.commandContext
	e.scheduler.commandContext = true
	defer func() {
		e.scheduler.commandContext = prev
		if r := recover(); r != nil {
			slog.Error("command handler panicked", "operation", op.ID.Name, "index", index, "panic", r)
			output, err = nil, rafterrors.NewApplicationError(fmt.Sprint(r))
		}
	}()

	commit := newCommit(e, index, s, ts, op)
	defer commit.Close()

	e.collector.IncCounter("commands_applied", nil, 1)
	output, err = h(commit)
	if err != nil && protocol.KindOf(err) == protocol.KindApplicationError {
		if _, ok := rafterrors.AsApplication(err); !ok {
			err = rafterrors.NewApplicationError(err.Error())
		}
	}
	return output, err
}

// Query runs a read against current state. Queries never advance logical time
// and may not schedule tasks. A query whose lastIndex is ahead of this
// replica waits until the replica catches up.
func (e *Executor) Query(sessionID types.SessionID, lastIndex types.Index, op protocol.Operation, reply QueryReply) {
	if lastIndex > e.lastApplied {
		e.pendingQueries = append(e.pendingQueries, pendingQuery{
			sessionID: sessionID,
			lastIndex: lastIndex,
			op:        op,
			reply:     reply,
		})
		return
	}
	e.executeQuery(sessionID, op, reply)
}

func (e *Executor) executeQuery(sessionID types.SessionID, op protocol.Operation, reply QueryReply) {
	s := e.registry.get(sessionID)
	if s == nil {
		reply(nil, e.lastApplied, rafterrors.ErrUnknownSession)
		return
	}

	h, ok := e.handlers[op.ID.Name]
	if !ok {
		reply(nil, e.lastApplied, rafterrors.ErrUnknownOperation)
		return
	}

	run := func() (output []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("query handler panicked", "operation", op.ID.Name, "panic", r)
				output, err = nil, rafterrors.NewApplicationError(fmt.Sprint(r))
			}
		}()
		commit := newCommit(e, e.lastApplied, s, e.now, op)
		defer commit.Close()
		return h(commit)
	}

	e.collector.IncCounter("queries_applied", nil, 1)
	output, err := run()
	reply(output, e.lastApplied, err)
}

// Snapshot serializes the session registry, the scheduler queue and every
// registered service, in that fixed order.
func (e *Executor) Snapshot(w io.Writer) error {
	if err := e.registry.snapshot(w, e.lastApplied, e.now); err != nil {
		return err
	}
	if err := e.scheduler.snapshot(w); err != nil {
		return err
	}

	var user bytes.Buffer
	for _, svc := range e.services {
		var body bytes.Buffer
		if err := svc.Snapshot(&body); err != nil {
			return fmt.Errorf("snapshot service %s: %w", svc.Name(), err)
		}
		if err := writeFrame(&user, []byte(svc.Name())); err != nil {
			return err
		}
		if err := writeFrame(&user, body.Bytes()); err != nil {
			return err
		}
	}
	return writeFrame(w, user.Bytes())
}

// Install restores executor state from a snapshot stream. Any failure here is
// fatal for the replica: the caller must discard the executor and re-install.
func (e *Executor) Install(r io.Reader) error {
	registryData, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("install registry: %w", err)
	}
	lastApplied, now, err := e.registry.restore(registryData)
	if err != nil {
		return err
	}
	e.lastApplied = lastApplied
	e.now = now

	schedulerData, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("install scheduler: %w", err)
	}
	if err := e.scheduler.restore(schedulerData); err != nil {
		return err
	}
	e.scheduler.advance(now)

	userData, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("install user state: %w", err)
	}
	user := bytes.NewReader(userData)
	for user.Len() > 0 {
		name, err := readFrame(user)
		if err != nil {
			return fmt.Errorf("install service name: %w", err)
		}
		body, err := readFrame(user)
		if err != nil {
			return fmt.Errorf("install service %s: %w", name, err)
		}
		svc := e.serviceByName(string(name))
		if svc == nil {
			// секция от незарегистрированного сервиса — пропускаем, формат
			// с длинами это позволяет
			slog.Warn("snapshot carries unknown service, skipping", "service", string(name))
			continue
		}
		if err := svc.Restore(bytes.NewReader(body)); err != nil {
			return fmt.Errorf("restore service %s: %w", svc.Name(), err)
		}
	}

	e.pinned = make(map[types.Index]int)
	slog.Info("snapshot installed", "last_applied", e.lastApplied, "sessions", e.registry.len())
	return nil
}

func (e *Executor) serviceByName(name string) Service {
	for _, svc := range e.services {
		if svc.Name() == name {
			return svc
		}
	}
	return nil
}
