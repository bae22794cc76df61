package watcher

import "transfer-watcher/pkg/shared"

type State int

const (
	Starting State = iota
	CatchingUp
	Live
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case CatchingUp:
		return "CATCHING_UP"
	case Live:
		return "LIVE"
	case Reconnecting:
		return "RECONNECTING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// WatcherState is the in-memory state of one watcher. It is never persisted;
// only LastCheckpoint survives a restart, through the checkpoint store.
type WatcherState struct {
	State     State
	Connected bool

	// Cursor is the position of the last log handled in the current stream.
	Cursor    shared.Position
	HasCursor bool

	// PendingBlock has had at least one log handled but is not yet settled.
	PendingBlock uint64
	HasPending   bool

	InFlight bool

	LastCheckpoint uint64
	HasCheckpoint  bool

	Forwarded uint64
	Filtered  uint64
	Malformed uint64
	Duplicate uint64
}
