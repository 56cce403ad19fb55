package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egorzamaraev/atomix/pkg/listener"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
)

var (
	testCommand = protocol.CommandOp("command")
	testQuery   = protocol.QueryOp("query")
)

type transportCall struct {
	command *protocol.CommandRequest
	query   *protocol.QueryRequest

	commandResp chan *protocol.CommandResponse
	queryResp   chan *protocol.QueryResponse
	fail        chan error
}

// mockTransport hands each in-flight call to the test, which decides when and
// how to complete it.
type mockTransport struct {
	calls chan *transportCall

	mu      sync.Mutex
	rebinds []string
}

func newMockTransport() *mockTransport {
	return &mockTransport{calls: make(chan *transportCall, 16)}
}

func (m *mockTransport) Command(ctx context.Context, req protocol.CommandRequest) (*protocol.CommandResponse, error) {
	call := &transportCall{
		command:     &req,
		commandResp: make(chan *protocol.CommandResponse, 1),
		fail:        make(chan error, 1),
	}
	m.calls <- call
	select {
	case resp := <-call.commandResp:
		return resp, nil
	case err := <-call.fail:
		return nil, err
	}
}

func (m *mockTransport) Query(ctx context.Context, req protocol.QueryRequest) (*protocol.QueryResponse, error) {
	call := &transportCall{
		query:     &req,
		queryResp: make(chan *protocol.QueryResponse, 1),
		fail:      make(chan error, 1),
	}
	m.calls <- call
	select {
	case resp := <-call.queryResp:
		return resp, nil
	case err := <-call.fail:
		return nil, err
	}
}

func (m *mockTransport) OpenSession(context.Context, protocol.OpenSessionRequest) (*protocol.OpenSessionResponse, error) {
	return &protocol.OpenSessionResponse{ResponseHeader: protocol.OKHeader(1), SessionID: 1, Timeout: 1000}, nil
}

func (m *mockTransport) CloseSession(context.Context, protocol.CloseSessionRequest) (*protocol.CloseSessionResponse, error) {
	return &protocol.CloseSessionResponse{ResponseHeader: protocol.OKHeader(0)}, nil
}

func (m *mockTransport) KeepAlive(context.Context, protocol.KeepAliveRequest) (*protocol.KeepAliveResponse, error) {
	return &protocol.KeepAliveResponse{ResponseHeader: protocol.OKHeader(0)}, nil
}

func (m *mockTransport) Rebind(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebinds = append(m.rebinds, addr)
}

func (m *mockTransport) rebindCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rebinds)
}

func (m *mockTransport) next(t *testing.T) *transportCall {
	t.Helper()
	select {
	case call := <-m.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport call")
		return nil
	}
}

type fakeExpirer struct {
	sequencer *Sequencer

	mu      sync.Mutex
	expired bool
}

func (f *fakeExpirer) expire() {
	f.mu.Lock()
	f.expired = true
	f.mu.Unlock()
	f.sequencer.FailAll(rafterrors.ErrUnknownSession)
}

func (f *fakeExpirer) isExpired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired
}

type submitterFixture struct {
	transport *mockTransport
	state     *SessionState
	sequencer *Sequencer
	submitter *Submitter
	runner    *listener.Runner
	expirer   *fakeExpirer
}

func newSubmitterFixture(t *testing.T) *submitterFixture {
	t.Helper()

	mt := newMockTransport()
	state := NewSessionState(1, time.Second)
	sequencer := NewSequencer(state)
	runner := listener.NewRunner(128)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	expirer := &fakeExpirer{sequencer: sequencer}
	submitter := NewSubmitter(mt, state, sequencer, runner, expirer, protocol.ConsistencySequential, nil)

	return &submitterFixture{
		transport: mt,
		state:     state,
		sequencer: sequencer,
		submitter: submitter,
		runner:    runner,
		expirer:   expirer,
	}
}

func ok(index uint64, result []byte) *protocol.CommandResponse {
	return &protocol.CommandResponse{ResponseHeader: protocol.OKHeader(index), Result: result}
}

func okQuery(index uint64, result []byte) *protocol.QueryResponse {
	return &protocol.QueryResponse{ResponseHeader: protocol.OKHeader(index), Result: result}
}

func TestSubmitter_SubmitCommand(t *testing.T) {
	f := newSubmitterFixture(t)

	fut := f.submitter.Submit(protocol.NewOperation(testCommand, nil))

	call := f.transport.next(t)
	require.NotNil(t, call.command)
	assert.EqualValues(t, 1, call.command.SessionID)
	assert.EqualValues(t, 1, call.command.Sequence)
	call.commandResp <- ok(10, []byte("Hello world!"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := fut.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world!"), out)

	assert.EqualValues(t, 1, f.state.CommandRequest())
	assert.EqualValues(t, 1, f.state.CommandResponse())
	assert.EqualValues(t, 10, f.state.ResponseIndex())
}

func TestSubmitter_ResequencesCommandResponses(t *testing.T) {
	f := newSubmitterFixture(t)

	fut1 := f.submitter.Submit(protocol.NewOperation(testCommand, nil))
	fut2 := f.submitter.Submit(protocol.NewOperation(testCommand, nil))

	// забираем оба вызова; порядок прихода в мок не гарантирован — различаем
	// по sequence
	calls := map[uint64]*transportCall{}
	for i := 0; i < 2; i++ {
		call := f.transport.next(t)
		require.NotNil(t, call.command)
		calls[call.command.Sequence] = call
	}

	calls[2].commandResp <- ok(10, []byte("Hello world again!"))

	// ответ второй команды один не двигает ничего
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fut1.IsDone())
	assert.False(t, fut2.IsDone())
	assert.EqualValues(t, 2, f.state.CommandRequest())
	assert.EqualValues(t, 0, f.state.CommandResponse())
	assert.EqualValues(t, 1, f.state.ResponseIndex())

	calls[1].commandResp <- ok(9, []byte("Hello world!"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out1, err := fut1.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world!"), out1)

	out2, err := fut2.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world again!"), out2)

	assert.EqualValues(t, 2, f.state.CommandResponse())
	assert.EqualValues(t, 10, f.state.ResponseIndex())
}

func TestSubmitter_SubmitQuery(t *testing.T) {
	f := newSubmitterFixture(t)

	fut := f.submitter.Submit(protocol.NewOperation(testQuery, nil))

	call := f.transport.next(t)
	require.NotNil(t, call.query)
	assert.EqualValues(t, 1, call.query.SessionID)
	assert.EqualValues(t, 1, call.query.LastIndex)
	call.queryResp <- okQuery(10, []byte("Hello world!"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := fut.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world!"), out)
	assert.EqualValues(t, 10, f.state.ResponseIndex())
}

func TestSubmitter_SkipsFailedQuery(t *testing.T) {
	f := newSubmitterFixture(t)

	fut1 := f.submitter.Submit(protocol.NewOperation(testQuery, []byte("first")))
	fut2 := f.submitter.Submit(protocol.NewOperation(testQuery, []byte("second")))

	// порядок прихода в мок не гарантирован — различаем запросы по payload
	calls := map[string]*transportCall{}
	for i := 0; i < 2; i++ {
		call := f.transport.next(t)
		require.NotNil(t, call.query)
		calls[string(call.query.Operation.Payload)] = call
	}
	first, second := calls["first"], calls["second"]
	require.NotNil(t, first)
	require.NotNil(t, second)

	first.queryResp <- &protocol.QueryResponse{ResponseHeader: protocol.ResponseHeader{
		Status: protocol.StatusError,
		Error:  protocol.KindQueryFailure,
	}}
	second.queryResp <- okQuery(10, []byte("Hello world!"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := fut1.Get(ctx)
	assert.ErrorIs(t, err, rafterrors.ErrQueryFailure)

	out, err := fut2.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello world!"), out)
	assert.EqualValues(t, 10, f.state.ResponseIndex())
}

// An UnknownSession error is terminal: the command's future fails and every
// other pending future on the session fails with it.
func TestSubmitter_ExpiresSessionOnUnknownSession(t *testing.T) {
	f := newSubmitterFixture(t)

	fut1 := f.submitter.Submit(protocol.NewOperation(testCommand, nil))
	fut2 := f.submitter.Submit(protocol.NewOperation(testCommand, nil))

	calls := map[uint64]*transportCall{}
	for i := 0; i < 2; i++ {
		call := f.transport.next(t)
		calls[call.command.Sequence] = call
	}

	calls[1].fail <- rafterrors.ErrUnknownSession

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := fut1.Get(ctx)
	assert.ErrorIs(t, err, rafterrors.ErrUnknownSession)
	_, err = fut2.Get(ctx)
	assert.ErrorIs(t, err, rafterrors.ErrUnknownSession)

	assert.True(t, f.expirer.isExpired())
}

func TestSubmitter_RetriesOnTransportFailure(t *testing.T) {
	f := newSubmitterFixture(t)

	fut := f.submitter.Submit(protocol.NewOperation(testCommand, nil))

	// первая попытка падает по сети — ретрай с тем же sequence
	first := f.transport.next(t)
	require.EqualValues(t, 1, first.command.Sequence)
	first.fail <- context.DeadlineExceeded

	second := f.transport.next(t)
	require.EqualValues(t, 1, second.command.Sequence, "retry must reuse the sequence number")
	second.commandResp <- ok(5, []byte("done"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := fut.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), out)
}

func TestSubmitter_RebindsOnNoLeader(t *testing.T) {
	f := newSubmitterFixture(t)

	fut := f.submitter.Submit(protocol.NewOperation(testCommand, nil))

	first := f.transport.next(t)
	first.commandResp <- &protocol.CommandResponse{ResponseHeader: protocol.ResponseHeader{
		Status: protocol.StatusError,
		Error:  protocol.KindNoLeader,
		Leader: "http://127.0.0.1:9090",
	}}

	second := f.transport.next(t)
	require.EqualValues(t, 1, second.command.Sequence)
	second.commandResp <- ok(7, []byte("after rebind"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := fut.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rebind"), out)

	require.Equal(t, 1, f.transport.rebindCount())
	assert.Equal(t, "http://127.0.0.1:9090", f.transport.rebinds[0])
}

// Cancelling a pending future does not disturb sequencing for later
// operations.
func TestSubmitter_CancelledFutureStillConsumesSlot(t *testing.T) {
	f := newSubmitterFixture(t)

	fut1 := f.submitter.Submit(protocol.NewOperation(testCommand, nil))
	fut2 := f.submitter.Submit(protocol.NewOperation(testCommand, nil))

	calls := map[uint64]*transportCall{}
	for i := 0; i < 2; i++ {
		call := f.transport.next(t)
		calls[call.command.Sequence] = call
	}

	fut1.Cancel()
	_, err := fut1.Get(context.Background())
	assert.ErrorIs(t, err, rafterrors.ErrCanceled)

	// ответы приходят как обычно; слот отменённой команды всё равно
	// потребляется и линия двигается
	calls[1].commandResp <- ok(5, []byte("cancelled anyway"))
	calls[2].commandResp <- ok(6, []byte("second"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := fut2.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), out)
	assert.EqualValues(t, 2, f.state.CommandResponse())
}
