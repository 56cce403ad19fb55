package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"github.com/egorzamaraev/atomix/pkg/listener"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/transport"
)

// KeepAliveLoop is the session liveness beacon. Every interval it reports the
// highest delivered command sequence and consumed event sequence, and brings
// back any pending session events. At most one keep-alive is in flight per
// session; if no keep-alive succeeds within the session timeout the session is
// declared lost.
type KeepAliveLoop struct {
	transport transport.Transport
	state     *SessionState
	runner    *listener.Runner
	expirer   sessionExpirer
	dispatch  func(protocol.Event)

	interval time.Duration
	timeout  time.Duration

	// below is touched only on the context goroutine
	lastAck  time.Time
	inflight bool
	stopped  bool
	timer    *time.Timer
}

func NewKeepAliveLoop(
	t transport.Transport,
	state *SessionState,
	runner *listener.Runner,
	expirer sessionExpirer,
	dispatch func(protocol.Event),
	interval time.Duration,
) *KeepAliveLoop {
	if interval <= 0 {
		interval = state.Timeout() / 2
	}
	return &KeepAliveLoop{
		transport: t,
		state:     state,
		runner:    runner,
		expirer:   expirer,
		dispatch:  dispatch,
		interval:  interval,
		timeout:   state.Timeout(),
	}
}

func (k *KeepAliveLoop) Start() {
	_ = k.runner.Submit(func() {
		k.lastAck = time.Now()
		k.schedule()
	})
}

func (k *KeepAliveLoop) Stop() {
	_ = k.runner.Submit(func() {
		k.stopped = true
		if k.timer != nil {
			k.timer.Stop()
		}
	})
}

// schedule arms the next beacon with jitter so that many sessions do not beat
// in lockstep.
func (k *KeepAliveLoop) schedule() {
	if k.stopped {
		return
	}
	var jitter time.Duration
	if q := int64(k.interval) / 4; q > 0 {
		jitter = time.Duration(fastrand.Int63n(q))
	}
	k.timer = time.AfterFunc(k.interval-jitter, func() {
		_ = k.runner.Submit(k.tick)
	})
}

func (k *KeepAliveLoop) tick() {
	if k.stopped {
		return
	}
	if k.inflight {
		// предыдущий beacon ещё в полёте — не наслаиваем
		k.schedule()
		return
	}
	k.inflight = true

	req := protocol.KeepAliveRequest{
		SessionID:       uint64(k.state.SessionID()),
		CommandSequence: k.state.CommandResponse(),
		EventIndex:      k.state.EventIndex(),
	}

	go func() {
		resp, err := k.transport.KeepAlive(context.Background(), req)
		_ = k.runner.Submit(func() {
			k.handle(resp, err)
		})
	}()
}

func (k *KeepAliveLoop) handle(resp *protocol.KeepAliveResponse, err error) {
	k.inflight = false
	if k.stopped {
		return
	}

	if err == nil {
		if respErr := resp.Err(); respErr != nil {
			err = respErr
		}
	}

	if err != nil {
		if errors.Is(err, rafterrors.ErrUnknownSession) {
			k.expirer.expire()
			return
		}
		if time.Since(k.lastAck) > k.timeout {
			slog.Warn("session keep-alive deadline missed",
				"session_id", k.state.SessionID(),
				"timeout", k.timeout)
			k.expirer.expire()
			return
		}
		if resp != nil && errors.Is(err, rafterrors.ErrNoLeader) {
			k.transport.Rebind(resp.Leader)
		}
		k.schedule()
		return
	}

	k.lastAck = time.Now()
	for _, ev := range resp.Events {
		if ev.Sequence > k.state.EventIndex() {
			k.state.SetEventIndex(ev.Sequence)
			if k.dispatch != nil {
				k.dispatch(ev)
			}
		}
	}
	k.schedule()
}
