package transport

import (
	"context"

	"github.com/egorzamaraev/atomix/pkg/protocol"
)

// Transport is the client's view of the cluster: point-to-point
// request/response against some member. Implementations are safe for
// concurrent use; the session layer serializes result handling itself.
type Transport interface {
	OpenSession(ctx context.Context, req protocol.OpenSessionRequest) (*protocol.OpenSessionResponse, error)
	CloseSession(ctx context.Context, req protocol.CloseSessionRequest) (*protocol.CloseSessionResponse, error)
	KeepAlive(ctx context.Context, req protocol.KeepAliveRequest) (*protocol.KeepAliveResponse, error)
	Command(ctx context.Context, req protocol.CommandRequest) (*protocol.CommandResponse, error)
	Query(ctx context.Context, req protocol.QueryRequest) (*protocol.QueryResponse, error)

	// Rebind points the transport at the given member, typically the leader
	// hint from a NoLeader response. An empty address rotates to the next
	// known member.
	Rebind(addr string)
}
