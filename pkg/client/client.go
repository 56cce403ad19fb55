package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egorzamaraev/atomix/pkg/future"
	"github.com/egorzamaraev/atomix/pkg/listener"
	"github.com/egorzamaraev/atomix/pkg/metrics"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/transport"
	"github.com/egorzamaraev/atomix/pkg/types"
)

const defaultSessionTimeout = 5 * time.Second

// Client opens sessions against the cluster.
type Client struct {
	transport         transport.Transport
	clientID          string
	sessionTimeout    time.Duration
	keepAliveInterval time.Duration
	consistency       protocol.Consistency
	collector         metrics.Collector
}

type Option func(*Client)

func WithSessionTimeout(d time.Duration) Option {
	return func(c *Client) { c.sessionTimeout = d }
}

// WithKeepAliveInterval overrides the default sessionTimeout/2 beacon rate.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Client) { c.keepAliveInterval = d }
}

func WithConsistency(level protocol.Consistency) Option {
	return func(c *Client) { c.consistency = level }
}

func WithCollector(m metrics.Collector) Option {
	return func(c *Client) { c.collector = m }
}

func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport:      t,
		clientID:       uuid.NewString(),
		sessionTimeout: defaultSessionTimeout,
		consistency:    protocol.ConsistencySequential,
		collector:      metrics.Noop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenSession negotiates a new session and starts its context goroutine and
// keep-alive loop.
func (c *Client) OpenSession(ctx context.Context) (*SessionClient, error) {
	resp, err := c.transport.OpenSession(ctx, protocol.OpenSessionRequest{
		ClientID: c.clientID,
		Timeout:  c.sessionTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if respErr := resp.Err(); respErr != nil {
		return nil, fmt.Errorf("open session: %w", respErr)
	}

	state := NewSessionState(types.SessionID(resp.SessionID), time.Duration(resp.Timeout)*time.Millisecond)

	runner := listener.NewRunner(1024)
	runner.Start(context.Background())

	sc := &SessionClient{
		transport: c.transport,
		state:     state,
		runner:    runner,
	}

	sequencer := NewSequencer(state)
	sc.sequencer = sequencer
	sc.submitter = NewSubmitter(c.transport, state, sequencer, runner, sc, c.consistency, c.collector)
	sc.keepAlive = NewKeepAliveLoop(c.transport, state, runner, sc, sc.dispatchEvent, c.keepAliveInterval)
	sc.keepAlive.Start()

	slog.Info("session opened",
		"session_id", resp.SessionID,
		"client_id", c.clientID,
		"timeout", state.Timeout())
	return sc, nil
}

// SessionClient is one open session: the user-facing handle over the context
// goroutine, sequencer, submitter and keep-alive loop.
type SessionClient struct {
	transport transport.Transport
	state     *SessionState
	runner    *listener.Runner
	sequencer *Sequencer
	submitter *Submitter
	keepAlive *KeepAliveLoop

	eventMu        sync.Mutex
	eventListeners []func(protocol.Event)

	closeOnce sync.Once
}

func (sc *SessionClient) State() *SessionState {
	return sc.state
}

// Submit dispatches an operation; the returned future resolves in submission
// order relative to other operations on this session.
func (sc *SessionClient) Submit(op protocol.Operation) *future.Future[[]byte] {
	return sc.submitter.Submit(op)
}

// Execute is Submit plus waiting for the sequenced result.
func (sc *SessionClient) Execute(ctx context.Context, op protocol.Operation) ([]byte, error) {
	return sc.Submit(op).Get(ctx)
}

// OnEvent registers a listener for session events. Listeners run on the
// context goroutine; they must not block.
func (sc *SessionClient) OnEvent(fn func(protocol.Event)) {
	sc.eventMu.Lock()
	defer sc.eventMu.Unlock()
	sc.eventListeners = append(sc.eventListeners, fn)
}

// OnStateChange registers a session lifecycle listener.
func (sc *SessionClient) OnStateChange(fn func(State)) {
	sc.state.OnStateChange(fn)
}

func (sc *SessionClient) dispatchEvent(ev protocol.Event) {
	sc.eventMu.Lock()
	listeners := make([]func(protocol.Event), len(sc.eventListeners))
	copy(listeners, sc.eventListeners)
	sc.eventMu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// expire is the terminal transition for a lost session: every pending future
// fails, the beacon stops, and state listeners hear about it. Runs on the
// context goroutine.
func (sc *SessionClient) expire() {
	if sc.state.State() != StateOpen {
		return
	}
	slog.Warn("session lost", "session_id", sc.state.SessionID())
	sc.sequencer.FailAll(rafterrors.ErrUnknownSession)
	sc.keepAlive.Stop()
	sc.state.setState(StateExpired)
}

// Close gracefully ends the session. Pending operations are failed with
// ErrClosed.
func (sc *SessionClient) Close(ctx context.Context) error {
	var closeErr error
	sc.closeOnce.Do(func() {
		done := make(chan struct{})
		err := sc.runner.Submit(func() {
			defer close(done)
			if sc.state.State() == StateOpen {
				sc.sequencer.FailAll(rafterrors.ErrClosed)
				sc.keepAlive.Stop()
				sc.state.setState(StateClosed)
			}
		})
		if err == nil {
			<-done
		}

		if _, err := sc.transport.CloseSession(ctx, protocol.CloseSessionRequest{
			SessionID: uint64(sc.state.SessionID()),
		}); err != nil {
			closeErr = fmt.Errorf("close session: %w", err)
		}
		sc.runner.Stop()
	})
	return closeErr
}
