package types

// SessionID identifies one client session. Session ids are allocated from the
// log index of the commit that opened the session, so they are unique and
// monotone across the cluster.
type SessionID uint64

// Index is a position in the replicated log. Indexes are gap-free and
// strictly increasing.
type Index uint64

// LogicalTime is a millisecond timestamp stamped into a log entry by the
// leader and replicated verbatim. Replicas never read their own clocks when
// applying entries.
type LogicalTime int64
