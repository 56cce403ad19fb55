package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/egorzamaraev/atomix/pkg/future"
	"github.com/egorzamaraev/atomix/pkg/listener"
	"github.com/egorzamaraev/atomix/pkg/metrics"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/transport"
)

const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// sessionExpirer is the hook back into the session facade: the submitter
// reports session loss, the facade fails everything and notifies listeners.
type sessionExpirer interface {
	expire()
}

// Submitter is the client-side entry point for operations. It assigns command
// sequence numbers synchronously on the context goroutine, dispatches over the
// transport, retries transparently on transport failures and leader changes,
// and hands responses to the sequencer for in-order delivery.
type Submitter struct {
	transport   transport.Transport
	state       *SessionState
	sequencer   *Sequencer
	runner      *listener.Runner
	expirer     sessionExpirer
	consistency protocol.Consistency
	collector   metrics.Collector
}

func NewSubmitter(
	t transport.Transport,
	state *SessionState,
	sequencer *Sequencer,
	runner *listener.Runner,
	expirer sessionExpirer,
	consistency protocol.Consistency,
	collector metrics.Collector,
) *Submitter {
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Submitter{
		transport:   t,
		state:       state,
		sequencer:   sequencer,
		runner:      runner,
		expirer:     expirer,
		consistency: consistency,
		collector:   collector,
	}
}

// Submit dispatches the operation and returns the future for its sequenced
// result. Cancellation of the future does not stop server-side execution; the
// slot is still consumed when the response arrives.
func (s *Submitter) Submit(op protocol.Operation) *future.Future[[]byte] {
	fut := future.New[[]byte]()
	err := s.runner.Submit(func() {
		if op.ID.Type == protocol.OperationCommand {
			s.submitCommand(op, fut)
		} else {
			s.submitQuery(op, fut)
		}
	})
	if err != nil {
		fut.Fail(rafterrors.ErrClosed)
	}
	return fut
}

func (s *Submitter) submitCommand(op protocol.Operation, fut *future.Future[[]byte]) {
	sequence := s.state.NextCommandRequest()
	s.sequencer.RegisterCommand(sequence, fut)

	req := protocol.CommandRequest{
		SessionID: uint64(s.state.SessionID()),
		Sequence:  sequence,
		Operation: op,
	}
	s.sendCommand(req, 1)
}

func (s *Submitter) sendCommand(req protocol.CommandRequest, attempt int) {
	go func() {
		resp, err := s.transport.Command(context.Background(), req)
		_ = s.runner.Submit(func() {
			s.handleCommandResponse(req, resp, err, attempt)
		})
	}()
}

func (s *Submitter) handleCommandResponse(req protocol.CommandRequest, resp *protocol.CommandResponse, err error, attempt int) {
	if err != nil {
		if errors.Is(err, rafterrors.ErrUnknownSession) {
			s.expirer.expire()
			return
		}
		// транспортная ошибка: сервер дедуплицирует по (session, sequence),
		// поэтому повтор с тем же номером безопасен
		s.collector.IncCounter("command_retries", nil, 1)
		slog.Debug("command transport failure, retrying",
			"sequence", req.Sequence,
			"attempt", attempt,
			"error", err)
		s.retry(attempt, func() { s.sendCommand(req, attempt+1) })
		return
	}

	if respErr := resp.Err(); respErr != nil {
		switch {
		case errors.Is(respErr, rafterrors.ErrNoLeader):
			s.transport.Rebind(resp.Leader)
			s.retry(attempt, func() { s.sendCommand(req, attempt+1) })
		case errors.Is(respErr, rafterrors.ErrUnknownSession):
			s.expirer.expire()
		default:
			s.sequencer.SequenceCommand(req.Sequence, resp.Index, nil, respErr)
		}
		return
	}

	s.sequencer.SequenceCommand(req.Sequence, resp.Index, resp.Result, nil)
}

func (s *Submitter) submitQuery(op protocol.Operation, fut *future.Future[[]byte]) {
	// queries line up behind the most recently submitted command
	barrier := s.state.CommandRequest()
	q := s.sequencer.RegisterQuery(barrier, fut)

	req := protocol.QueryRequest{
		SessionID:    uint64(s.state.SessionID()),
		LastIndex:    s.state.ResponseIndex(),
		LastSequence: barrier,
		Operation:    op,
		Consistency:  s.consistency,
	}
	s.sendQuery(req, q, 1)
}

func (s *Submitter) sendQuery(req protocol.QueryRequest, q *PendingQuery, attempt int) {
	go func() {
		resp, err := s.transport.Query(context.Background(), req)
		_ = s.runner.Submit(func() {
			s.handleQueryResponse(req, q, resp, err, attempt)
		})
	}()
}

func (s *Submitter) handleQueryResponse(req protocol.QueryRequest, q *PendingQuery, resp *protocol.QueryResponse, err error, attempt int) {
	if err != nil {
		if errors.Is(err, rafterrors.ErrUnknownSession) {
			s.expirer.expire()
			return
		}
		s.collector.IncCounter("query_retries", nil, 1)
		slog.Debug("query transport failure, retrying", "attempt", attempt, "error", err)
		s.retry(attempt, func() { s.sendQuery(req, q, attempt+1) })
		return
	}

	if respErr := resp.Err(); respErr != nil {
		switch {
		case errors.Is(respErr, rafterrors.ErrNoLeader):
			s.transport.Rebind(resp.Leader)
			s.retry(attempt, func() { s.sendQuery(req, q, attempt+1) })
		case errors.Is(respErr, rafterrors.ErrUnknownSession):
			s.expirer.expire()
		default:
			s.sequencer.SequenceQuery(q, resp.Index, nil, respErr)
		}
		return
	}

	s.sequencer.SequenceQuery(q, resp.Index, resp.Result, nil)
}

// retry re-enters the context goroutine after an exponential backoff. Retries
// continue indefinitely; session liveness failing is what terminates them.
func (s *Submitter) retry(attempt int, resend func()) {
	delay := retryBaseDelay << (attempt - 1)
	if delay <= 0 || delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	time.AfterFunc(delay, func() {
		_ = s.runner.Submit(resend)
	})
}
