package raftnode

import (
	"github.com/google/uuid"

	"github.com/egorzamaraev/atomix/pkg/protocol"
)

const (
	EntryOpenSession  EntryType = "open-session"
	EntryKeepAlive    EntryType = "keep-alive"
	EntryCloseSession EntryType = "close-session"
	EntryCommand      EntryType = "command"
	// EntryMetadata is a no-op whose only purpose is advancing logical time on
	// an otherwise idle cluster.
	EntryMetadata EntryType = "metadata"
)

type EntryType string

// LogEntry is the payload proposed into the Raft log. The leader stamps
// Timestamp at propose time; replicas apply it verbatim, which is what makes
// time-based behaviour (expiry, TTLs) identical everywhere.
type LogEntry struct {
	ID        uuid.UUID `json:"id"`
	Type      EntryType `json:"type"`
	Timestamp int64     `json:"ts"`

	// open-session
	ClientID string `json:"client_id,omitempty"`
	Timeout  int64  `json:"timeout,omitempty"`

	// keep-alive / close-session / command
	SessionID       uint64 `json:"session_id,omitempty"`
	CommandSequence uint64 `json:"command_sequence,omitempty"`
	EventIndex      uint64 `json:"event_index,omitempty"`

	// command
	Sequence  uint64              `json:"sequence,omitempty"`
	Operation *protocol.Operation `json:"operation,omitempty"`
}
