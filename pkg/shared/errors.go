package shared

import (
	"fmt"
)

// ConnectorError is raised by the chain connector. Transient errors are
// recovered by reconnecting; the rest stop the watcher.
type ConnectorError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ConnectorError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("connector %s (%s): %v", e.Op, kind, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// MalformedLogError marks a single chain log that cannot be turned into a
// TransferEvent. The log is skipped, the stream continues.
type MalformedLogError struct {
	TxHash   string
	LogIndex uint64
	Block    uint64
	Reason   string
}

func (e *MalformedLogError) Error() string {
	return fmt.Sprintf("malformed log tx=%s index=%d block=%d: %s", e.TxHash, e.LogIndex, e.Block, e.Reason)
}

// PersistenceError wraps checkpoint I/O failures. Always fatal for the run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ForwardError is returned by the forwarder. Fatal errors stop the run without
// advancing the checkpoint for the affected block.
type ForwardError struct {
	Key      string
	Attempts int
	Fatal    bool
	Err      error
}

func (e *ForwardError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("forward %s failed after %d attempt(s) (%s): %v", e.Key, e.Attempts, kind, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }
