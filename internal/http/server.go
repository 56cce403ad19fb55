package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/egorzamaraev/atomix/pkg/metrics"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
)

var errBadRequest = rafterrors.ErrProtocol

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string

	OpenSession(ctx context.Context, clientID string, timeout int64) (uint64, int64, error)
	KeepAlive(ctx context.Context, sessionID, commandSeq, eventIndex uint64) ([]protocol.Event, error)
	CloseSession(ctx context.Context, sessionID uint64) error
	Command(ctx context.Context, sessionID, sequence uint64, op protocol.Operation) ([]byte, uint64, error)
	Query(ctx context.Context, sessionID, lastIndex uint64, op protocol.Operation, consistency protocol.Consistency) ([]byte, uint64, error)

	Handle(ctx context.Context, message raftpb.Message) error
	Run(ctx context.Context) error
	Stop() error
}

// Server exposes the session protocol and the raft peer endpoint.
type Server struct {
	node       iRaftNode
	collector  metrics.Collector
	httpServer *http.Server
	URL        string
	addr       string
}

func NewServer(node iRaftNode, port string, collector metrics.Collector) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Server{
		node:      node,
		collector: collector,
		URL:       "http://localhost:" + port,
		addr:      ":" + port,
	}
}

// Start starts the HTTP listener. The raft node's Run loop is managed by the
// caller.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/api/session/open", s.handleOpenSession)
	r.Post("/api/session/keepalive", s.handleKeepAlive)
	r.Post("/api/session/close", s.handleCloseSession)
	r.Post("/api/command", s.handleCommand)
	r.Post("/api/query", s.handleQuery)

	r.Post("/api/internal/raft", s.handleRaft)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func decode[T any](r *http.Request) (T, error) {
	var req T
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

// header maps an operation error into the response envelope, attaching the
// leader hint so the client can rebind instead of probing.
func (s *Server) header(err error, index uint64) protocol.ResponseHeader {
	if err == nil {
		return protocol.OKHeader(index)
	}
	h := protocol.ErrorHeader(err, index)
	if h.Error == protocol.KindNoLeader {
		h.Leader = s.node.LeaderAddr()
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if im, ok := s.collector.(*metrics.InMemory); ok {
		s.writeJSON(w, http.StatusOK, im.Snapshot())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	req, err := decode[protocol.OpenSessionRequest](r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.OpenSessionResponse{ResponseHeader: s.header(fmt.Errorf("%w: %v", errBadRequest, err), 0)})
		return
	}

	sessionID, timeout, err := s.node.OpenSession(r.Context(), req.ClientID, req.Timeout)
	if err != nil {
		s.writeJSON(w, http.StatusOK, protocol.OpenSessionResponse{ResponseHeader: s.header(err, 0)})
		return
	}

	s.writeJSON(w, http.StatusOK, protocol.OpenSessionResponse{
		ResponseHeader: protocol.OKHeader(sessionID),
		SessionID:      sessionID,
		Timeout:        timeout,
	})
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	req, err := decode[protocol.KeepAliveRequest](r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.KeepAliveResponse{ResponseHeader: s.header(fmt.Errorf("%w: %v", errBadRequest, err), 0)})
		return
	}

	events, err := s.node.KeepAlive(r.Context(), req.SessionID, req.CommandSequence, req.EventIndex)
	resp := protocol.KeepAliveResponse{ResponseHeader: s.header(err, 0)}
	if err == nil {
		resp.Events = events
		resp.Leader = s.node.LeaderAddr()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	req, err := decode[protocol.CloseSessionRequest](r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.CloseSessionResponse{ResponseHeader: s.header(fmt.Errorf("%w: %v", errBadRequest, err), 0)})
		return
	}

	err = s.node.CloseSession(r.Context(), req.SessionID)
	s.writeJSON(w, http.StatusOK, protocol.CloseSessionResponse{ResponseHeader: s.header(err, 0)})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	req, err := decode[protocol.CommandRequest](r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.CommandResponse{ResponseHeader: s.header(fmt.Errorf("%w: %v", errBadRequest, err), 0)})
		return
	}

	output, index, err := s.node.Command(r.Context(), req.SessionID, req.Sequence, req.Operation)
	resp := protocol.CommandResponse{ResponseHeader: s.header(err, index)}
	if err == nil {
		resp.Result = output
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decode[protocol.QueryRequest](r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.QueryResponse{ResponseHeader: s.header(fmt.Errorf("%w: %v", errBadRequest, err), 0)})
		return
	}

	output, index, err := s.node.Query(r.Context(), req.SessionID, req.LastIndex, req.Operation, req.Consistency)
	resp := protocol.QueryResponse{ResponseHeader: s.header(err, index)}
	if err == nil {
		resp.Result = output
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.ResponseHeader{Status: protocol.StatusError, Error: protocol.KindProtocolError, Message: err.Error()})
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, protocol.ResponseHeader{Status: protocol.StatusError, Error: protocol.KindProtocolError, Message: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, protocol.ResponseHeader{Status: protocol.StatusOK})
}
