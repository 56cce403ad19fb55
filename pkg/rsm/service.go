package rsm

import "io"

// Service is a user state machine component. It registers its operation
// handlers and scheduled tasks on the executor, and participates in
// snapshotting. Services are snapshotted and restored in registration order.
type Service interface {
	Name() string
	Register(exec *Executor)
	Snapshot(w io.Writer) error
	Restore(r io.Reader) error
}

// SessionEventListener is implemented by services that track session
// lifecycle. Callbacks run on the executor goroutine, after registry state has
// been updated.
type SessionEventListener interface {
	SessionOpened(s *Session)
	SessionExpired(s *Session)
	SessionClosed(s *Session)
}
