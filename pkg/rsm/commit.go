package rsm

import (
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/types"
)

// Commit is one applied log entry handed to a state machine handler. A handler
// may retain a commit past its own return by calling Acquire; every holder
// must Close when done. An unclosed commit pins its log index from compaction.
// Leaking one costs compaction headroom, not correctness.
type Commit struct {
	exec    *Executor
	index   types.Index
	session *Session
	ts      types.LogicalTime
	op      protocol.Operation
	refs    int
}

func newCommit(exec *Executor, index types.Index, session *Session, ts types.LogicalTime, op protocol.Operation) *Commit {
	c := &Commit{
		exec:    exec,
		index:   index,
		session: session,
		ts:      ts,
		op:      op,
		refs:    1,
	}
	exec.pin(index)
	return c
}

func (c *Commit) Index() types.Index {
	return c.index
}

func (c *Commit) Session() *Session {
	return c.session
}

// Time returns the logical (leader-stamped) timestamp of the commit.
func (c *Commit) Time() types.LogicalTime {
	return c.ts
}

func (c *Commit) Operation() protocol.Operation {
	return c.op
}

func (c *Commit) Value() []byte {
	return c.op.Payload
}

// Acquire retains the commit for use after the handler returns.
func (c *Commit) Acquire() *Commit {
	c.refs++
	return c
}

// Close releases one reference. The index is unpinned once all holders have
// closed. Closing an already released commit is a no-op.
func (c *Commit) Close() {
	if c.refs == 0 {
		return
	}
	c.refs--
	if c.refs == 0 {
		c.exec.unpin(c.index)
	}
}

// MapToNull returns the commit with its payload dropped, for handlers that
// only care about the fact of the operation.
func (c *Commit) MapToNull() *Commit {
	c.op.Payload = nil
	return c
}

// Map decodes the commit payload into T. Only the decoded value is returned;
// the index, session and time stay on c and are not bound to the result.
func Map[T any](c *Commit, decode func([]byte) (T, error)) (T, error) {
	return decode(c.op.Payload)
}
