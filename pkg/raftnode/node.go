package raftnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/egorzamaraev/atomix/pkg/config"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/rsm"
	"github.com/egorzamaraev/atomix/pkg/types"
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

type proposeResult struct {
	Output    []byte
	Index     uint64
	Events    []protocol.Event
	SessionID uint64
	Timeout   int64
	Err       error
}

type queryResult struct {
	Output []byte
	Index  uint64
	Err    error
}

// Node drives one replica: it feeds committed Raft entries into the executor
// on a single goroutine, rendezvouses proposal results back to waiting
// callers, and periodically snapshots the executor to compact the log.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	exec         *rsm.Executor
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	metaInterval time.Duration
	transport    iTransport
	clock        func() time.Time

	snapshotEvery uint64
	sinceSnapshot uint64

	// queries enter the executor goroutine through this channel so that the
	// single-writer rule holds for reads too
	queries chan func()

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

func NewNode(cfg *config.RaftConfig, metaInterval time.Duration, exec *rsm.Executor) (*Node, error) {
	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	if metaInterval <= 0 {
		metaInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:            cfg.ID,
		Peers:         peers,
		conf:          &confState,
		underlying:    raft.StartNode(rc, raftPeers),
		exec:          exec,
		jr:            storage,
		tickInterval:  100 * time.Millisecond,
		metaInterval:  metaInterval,
		transport:     NewTransport(peers),
		clock:         time.Now,
		snapshotEvery: cfg.SnapshotEvery,
		queries:       make(chan func(), 256),
		proposals:     make(map[uuid.UUID]chan proposeResult),
		ctx:           ctx,
		stop:          cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	// метроном логического времени: без коммитов не горят ни TTL, ни expiry
	meta := time.NewTicker(n.metaInterval)
	defer meta.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case <-meta.C:
			n.proposeMetadata()
		case task := <-n.queries:
			task()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) proposeMetadata() {
	if !n.IsLeader() {
		return
	}
	entry := LogEntry{ID: uuid.New(), Type: EntryMetadata, Timestamp: n.clock().UnixMilli()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// best effort: следующий тик предложит снова
	ctx, cancel := context.WithTimeout(n.ctx, n.metaInterval)
	defer cancel()
	_ = n.underlying.Propose(ctx, data)
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.installSnapshot(rd.Snapshot); err != nil {
			return err
		}
	}

	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "index", entry.Index, "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	n.maybeSnapshot()
	return nil
}

// installSnapshot replaces local state with a leader-shipped snapshot. Any
// failure here leaves the replica corrupt, so the run loop terminates and the
// supervisor must restart from a fresh install.
func (n *Node) installSnapshot(snap raftpb.Snapshot) error {
	if err := n.exec.Install(bytes.NewReader(snap.Data)); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	if err := n.jr.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("apply snapshot to storage: %w", err)
	}
	slog.Info("snapshot installed", "index", snap.Metadata.Index, "term", snap.Metadata.Term)
	return nil
}

func (n *Node) maybeSnapshot() {
	if n.snapshotEvery == 0 || n.sinceSnapshot < n.snapshotEvery {
		return
	}
	n.sinceSnapshot = 0

	var buf bytes.Buffer
	if err := n.exec.Snapshot(&buf); err != nil {
		slog.Error("failed to snapshot executor", "error", err)
		return
	}

	index := uint64(n.exec.LastApplied())
	if _, err := n.jr.CreateSnapshot(index, n.conf, buf.Bytes()); err != nil {
		slog.Error("failed to create raft snapshot", "index", index, "error", err)
		return
	}

	// компактим только до самого старого удержанного коммита
	if floor := uint64(n.exec.CompactionFloor()); floor > 0 {
		if err := n.jr.Compact(floor); err != nil && err != raft.ErrCompacted {
			slog.Warn("failed to compact raft log", "floor", floor, "error", err)
		}
	}

	slog.Debug("snapshot taken", "index", index, "size", buf.Len())
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	n.sinceSnapshot++

	// пустые записи (смена лидера) и conf change всё равно занимают индекс —
	// двигаем executor, иначе порвётся непрерывность индексов
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		n.exec.Metadata(types.Index(entry.Index), n.exec.Now())
		return nil
	}

	var le LogEntry
	if err := json.Unmarshal(entry.Data, &le); err != nil {
		return fmt.Errorf("unmarshal log entry: %w", err)
	}

	index := types.Index(entry.Index)
	ts := types.LogicalTime(le.Timestamp)

	switch le.Type {
	case EntryOpenSession:
		sessionID, granted := n.exec.OpenSession(index, ts, le.ClientID, types.LogicalTime(le.Timeout))
		n.notifyProposal(le.ID, proposeResult{SessionID: uint64(sessionID), Timeout: int64(granted), Index: entry.Index})

	case EntryKeepAlive:
		events, err := n.exec.KeepAlive(index, ts, types.SessionID(le.SessionID), le.CommandSequence, le.EventIndex)
		n.notifyProposal(le.ID, proposeResult{Events: events, Index: entry.Index, Err: err})

	case EntryCloseSession:
		err := n.exec.CloseSession(index, ts, types.SessionID(le.SessionID))
		n.notifyProposal(le.ID, proposeResult{Index: entry.Index, Err: err})

	case EntryCommand:
		if le.Operation == nil {
			return fmt.Errorf("command entry %s without operation", le.ID)
		}
		id := le.ID
		n.exec.Command(index, ts, types.SessionID(le.SessionID), le.Sequence, *le.Operation,
			func(output []byte, commandIndex types.Index, err error) {
				n.notifyProposal(id, proposeResult{Output: output, Index: uint64(commandIndex), Err: err})
			})

	case EntryMetadata:
		n.exec.Metadata(index, ts)

	default:
		return fmt.Errorf("unknown log entry type %q", le.Type)
	}

	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	return n.Peers[n.underlying.Status().Lead]
}

func (n *Node) notifyProposal(id uuid.UUID, result proposeResult) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[id]
	n.proposalsMu.RUnlock()

	if !ok {
		// - follower применяет запись (у него не было proposals[id])
		// - лидерский propose уже завершился (timeout/cancel)
		// - лидер сменился, а apply пришёл позже
		slog.Debug("proposal result channel not found (ignored)", "proposal_id", id, "is_leader", n.IsLeader())
		return
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "proposal_id", id)
	}
}

func (n *Node) propose(ctx context.Context, entry LogEntry) (proposeResult, error) {
	if !n.IsLeader() {
		return proposeResult{}, rafterrors.ErrNoLeader
	}

	entry.Timestamp = n.clock().UnixMilli()
	data, err := json.Marshal(entry)
	if err != nil {
		return proposeResult{}, fmt.Errorf("marshal log entry: %w", err)
	}

	resultChan := make(chan proposeResult, 1)
	n.proposalsMu.Lock()
	n.proposals[entry.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, entry.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return proposeResult{}, fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result, nil
	case <-ctx.Done():
		return proposeResult{}, ctx.Err()
	}
}

// OpenSession proposes a new session and waits for it to commit.
func (n *Node) OpenSession(ctx context.Context, clientID string, timeout int64) (uint64, int64, error) {
	res, err := n.propose(ctx, LogEntry{
		ID:       uuid.New(),
		Type:     EntryOpenSession,
		ClientID: clientID,
		Timeout:  timeout,
	})
	if err != nil {
		return 0, 0, err
	}
	return res.SessionID, res.Timeout, res.Err
}

// KeepAlive proposes a liveness beacon and returns the session's pending
// events.
func (n *Node) KeepAlive(ctx context.Context, sessionID, commandSeq, eventIndex uint64) ([]protocol.Event, error) {
	res, err := n.propose(ctx, LogEntry{
		ID:              uuid.New(),
		Type:            EntryKeepAlive,
		SessionID:       sessionID,
		CommandSequence: commandSeq,
		EventIndex:      eventIndex,
	})
	if err != nil {
		return nil, err
	}
	return res.Events, res.Err
}

func (n *Node) CloseSession(ctx context.Context, sessionID uint64) error {
	res, err := n.propose(ctx, LogEntry{
		ID:        uuid.New(),
		Type:      EntryCloseSession,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	return res.Err
}

// Command proposes one state machine command. The reply arrives when the
// command actually executes, which for out-of-order sequences is when the
// session's sequence gap fills.
func (n *Node) Command(ctx context.Context, sessionID, sequence uint64, op protocol.Operation) ([]byte, uint64, error) {
	res, err := n.propose(ctx, LogEntry{
		ID:        uuid.New(),
		Type:      EntryCommand,
		SessionID: sessionID,
		Sequence:  sequence,
		Operation: &op,
	})
	if err != nil {
		return nil, 0, err
	}
	return res.Output, res.Index, res.Err
}

// Query runs a read on the executor goroutine. Linearizable queries must hit
// the leader; sequential ones run wherever the client is connected, once the
// replica has caught up to the client's last observed index.
func (n *Node) Query(ctx context.Context, sessionID, lastIndex uint64, op protocol.Operation, consistency protocol.Consistency) ([]byte, uint64, error) {
	if consistency == protocol.ConsistencyLinearizable && !n.IsLeader() {
		return nil, 0, rafterrors.ErrNoLeader
	}

	resultChan := make(chan queryResult, 1)
	task := func() {
		n.exec.Query(types.SessionID(sessionID), types.Index(lastIndex), op,
			func(output []byte, index types.Index, err error) {
				resultChan <- queryResult{Output: output, Index: uint64(index), Err: err}
			})
	}

	select {
	case n.queries <- task:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	select {
	case res := <-resultChan:
		return res.Output, res.Index, res.Err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	slog.Info("stopping raft node", "id", n.ID)

	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: fmt.Errorf("node stopped")}:
		default:
		}
	}
	n.proposalsMu.Unlock()

	slog.Info("raft node stopped", "id", n.ID)
	return nil
}
