package rsm

import (
	"errors"
	"testing"

	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/types"
)

var (
	echoOp = protocol.CommandOp("test/echo")
	getOp  = protocol.QueryOp("test/get")
	failOp = protocol.CommandOp("test/fail")
)

// echoService stores the last payload and echoes commands back.
type echoService struct {
	last []byte
}

func (s *echoService) Name() string { return "echo" }

func (s *echoService) Register(exec *Executor) {
	exec.Register(echoOp, func(c *Commit) ([]byte, error) {
		s.last = c.Value()
		return c.Value(), nil
	})
	exec.Register(getOp, func(c *Commit) ([]byte, error) {
		return s.last, nil
	})
	exec.Register(failOp, func(c *Commit) ([]byte, error) {
		return nil, errors.New("handler blew up")
	})
}

type collected struct {
	output []byte
	index  types.Index
	err    error
}

func reply(into *collected) ReplyFunc {
	return func(output []byte, index types.Index, err error) {
		*into = collected{output: output, index: index, err: err}
	}
}

func newTestExecutor(t *testing.T) (*Executor, *echoService) {
	t.Helper()
	exec := NewExecutor()
	svc := &echoService{}
	svc.Register(exec)
	return exec, svc
}

func openTestSession(t *testing.T, exec *Executor, index types.Index, ts types.LogicalTime) types.SessionID {
	t.Helper()
	id, _ := exec.OpenSession(index, ts, "test-client", 5000)
	return id
}

func TestExecutor_AppliesCommandInOrder(t *testing.T) {
	exec, svc := newTestExecutor(t)
	sid := openTestSession(t, exec, 1, 1000)

	var res collected
	exec.Command(2, 1001, sid, 1, protocol.NewOperation(echoOp, []byte("hello")), reply(&res))

	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if string(res.output) != "hello" {
		t.Fatalf("expected 'hello', got %q", res.output)
	}
	if res.index != 2 {
		t.Fatalf("expected index 2, got %d", res.index)
	}
	if string(svc.last) != "hello" {
		t.Fatalf("state machine did not observe the command")
	}
}

func TestExecutor_UnknownOperation(t *testing.T) {
	exec, _ := newTestExecutor(t)
	sid := openTestSession(t, exec, 1, 1000)

	var res collected
	exec.Command(2, 1001, sid, 1, protocol.NewOperation(protocol.CommandOp("nope"), nil), reply(&res))

	if !errors.Is(res.err, rafterrors.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", res.err)
	}

	// сессия жива, следующая команда применяется
	var next collected
	exec.Command(3, 1002, sid, 2, protocol.NewOperation(echoOp, []byte("ok")), reply(&next))
	if next.err != nil {
		t.Fatalf("session must survive unknown operation: %v", next.err)
	}
}

func TestExecutor_HandlerErrorBecomesApplicationError(t *testing.T) {
	exec, _ := newTestExecutor(t)
	sid := openTestSession(t, exec, 1, 1000)

	var res collected
	exec.Command(2, 1001, sid, 1, protocol.NewOperation(failOp, nil), reply(&res))

	if res.err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := rafterrors.AsApplication(res.err); !ok {
		t.Fatalf("expected ApplicationError, got %T", res.err)
	}

	var next collected
	exec.Command(3, 1002, sid, 2, protocol.NewOperation(echoOp, []byte("alive")), reply(&next))
	if next.err != nil {
		t.Fatalf("session must survive handler failure: %v", next.err)
	}
}

func TestExecutor_CommandDedupe(t *testing.T) {
	exec, svc := newTestExecutor(t)
	sid := openTestSession(t, exec, 1, 1000)

	var first collected
	exec.Command(2, 1001, sid, 1, protocol.NewOperation(echoOp, []byte("once")), reply(&first))

	// ретрай того же sequence — результат из кеша, хендлер не зовётся повторно
	svc.last = nil
	var retry collected
	exec.Command(3, 1002, sid, 1, protocol.NewOperation(echoOp, []byte("once")), reply(&retry))

	if retry.err != nil {
		t.Fatalf("unexpected error: %v", retry.err)
	}
	if string(retry.output) != "once" {
		t.Fatalf("retry must return cached result, got %q", retry.output)
	}
	if svc.last != nil {
		t.Fatal("handler must not execute twice for the same sequence")
	}
}

func TestExecutor_BuffersOutOfOrderSequences(t *testing.T) {
	exec, _ := newTestExecutor(t)
	sid := openTestSession(t, exec, 1, 1000)

	var second collected
	exec.Command(2, 1001, sid, 2, protocol.NewOperation(echoOp, []byte("second")), reply(&second))

	if second.output != nil || second.err != nil {
		t.Fatal("sequence 2 must stay buffered until sequence 1 arrives")
	}

	var first collected
	exec.Command(3, 1002, sid, 1, protocol.NewOperation(echoOp, []byte("first")), reply(&first))

	if first.err != nil || string(first.output) != "first" {
		t.Fatalf("unexpected first result: %q %v", first.output, first.err)
	}
	if second.err != nil || string(second.output) != "second" {
		t.Fatalf("buffered command must execute once the gap fills: %q %v", second.output, second.err)
	}
	// буферизованная команда отвечает со своим индексом коммита
	if second.index != 2 {
		t.Fatalf("expected index 2 for buffered command, got %d", second.index)
	}
}

func TestExecutor_UnknownSessionCommand(t *testing.T) {
	exec, _ := newTestExecutor(t)
	openTestSession(t, exec, 1, 1000)

	var res collected
	exec.Command(2, 1001, 99, 1, protocol.NewOperation(echoOp, nil), reply(&res))

	if !errors.Is(res.err, rafterrors.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", res.err)
	}
}

func TestExecutor_QueryWaitsForIndex(t *testing.T) {
	exec, _ := newTestExecutor(t)
	sid := openTestSession(t, exec, 1, 1000)

	var cmd collected
	exec.Command(2, 1001, sid, 1, protocol.NewOperation(echoOp, []byte("v1")), reply(&cmd))

	// запрос с lastIndex впереди реплики ждёт
	var q collected
	exec.Query(sid, 3, protocol.NewOperation(getOp, nil), QueryReply(reply(&q)))
	if q.output != nil {
		t.Fatal("query must wait until lastApplied reaches 3")
	}

	var cmd2 collected
	exec.Command(3, 1002, sid, 2, protocol.NewOperation(echoOp, []byte("v2")), reply(&cmd2))

	if string(q.output) != "v2" {
		t.Fatalf("query must observe state at index 3, got %q", q.output)
	}
	if q.index != 3 {
		t.Fatalf("expected query index 3, got %d", q.index)
	}
}

func TestExecutor_OutOfOrderIndexPanics(t *testing.T) {
	exec, _ := newTestExecutor(t)
	openTestSession(t, exec, 1, 1000)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on commit index gap")
		}
	}()
	exec.Metadata(5, 1001)
}

func TestExecutor_SessionExpiryIsDrivenByLogicalTime(t *testing.T) {
	exec, _ := newTestExecutor(t)
	// таймаут клампится снизу до 250мс
	sid, granted := exec.OpenSession(1, 1000, "c", 100)
	if granted != 250 {
		t.Fatalf("expected clamped timeout 250, got %d", granted)
	}

	// за миг до дедлайна сессия жива
	exec.Metadata(2, 1000+249)
	if exec.Session(sid) == nil {
		t.Fatal("session must still be alive at deadline-1")
	}

	// первый коммит за дедлайном закрывает её — до своего хендлера
	exec.Metadata(3, 1000+251)
	if exec.Session(sid) != nil {
		t.Fatal("session must be expired once logical time crosses the deadline")
	}
}

func TestExecutor_ExpiryIsDeterministicAcrossReplicas(t *testing.T) {
	run := func() (*Executor, types.SessionID) {
		exec, _ := newTestExecutor(t)
		sid, _ := exec.OpenSession(1, 1000, "c", 1000)
		var res collected
		exec.Command(2, 1500, sid, 1, protocol.NewOperation(echoOp, []byte("x")), reply(&res))
		exec.Metadata(3, 3000)
		return exec, sid
	}

	a, sidA := run()
	b, sidB := run()

	if sidA != sidB {
		t.Fatalf("replicas allocated different session ids: %d vs %d", sidA, sidB)
	}
	if a.Session(sidA) != nil || b.Session(sidB) != nil {
		t.Fatal("both replicas must expire the session on the same commit")
	}
	if a.LastApplied() != b.LastApplied() || a.Now() != b.Now() {
		t.Fatal("replicas diverged")
	}
}

func TestExecutor_KeepAlivePrunesResultsAndEvents(t *testing.T) {
	exec, _ := newTestExecutor(t)
	sid := openTestSession(t, exec, 1, 1000)

	var res collected
	exec.Command(2, 1001, sid, 1, protocol.NewOperation(echoOp, []byte("a")), reply(&res))

	// event sequence стартует с id сессии: первое событие — sid+1
	s := exec.Session(sid)
	s.Publish("test/event", []byte("e1"))
	s.Publish("test/event", []byte("e2"))

	events, err := exec.KeepAlive(3, 1002, sid, 1, uint64(sid)+1)
	if err != nil {
		t.Fatalf("keep-alive failed: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != uint64(sid)+2 {
		t.Fatalf("expected only the second event pending, got %v", events)
	}
	if _, ok := s.results[1]; ok {
		t.Fatal("acknowledged result must be pruned")
	}
}

func TestExecutor_KeepAliveUnknownSession(t *testing.T) {
	exec, _ := newTestExecutor(t)
	openTestSession(t, exec, 1, 1000)

	_, err := exec.KeepAlive(2, 1001, 42, 0, 0)
	if !errors.Is(err, rafterrors.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestExecutor_CompactionFloorTracksRetainedCommits(t *testing.T) {
	exec := NewExecutor()
	var retained *Commit
	exec.Register(protocol.CommandOp("retain"), func(c *Commit) ([]byte, error) {
		retained = c.Acquire()
		return nil, nil
	})

	sid, _ := exec.OpenSession(1, 1000, "c", 5000)

	var res collected
	exec.Command(2, 1001, sid, 1, protocol.NewOperation(protocol.CommandOp("retain"), nil), reply(&res))
	exec.Metadata(3, 1002)

	if floor := exec.CompactionFloor(); floor != 1 {
		t.Fatalf("retained commit at 2 must hold the floor at 1, got %d", floor)
	}

	retained.Close()
	if floor := exec.CompactionFloor(); floor != 3 {
		t.Fatalf("after release the floor must reach lastApplied, got %d", floor)
	}
}
