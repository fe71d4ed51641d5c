// Package link keeps the bridge's long-lived connections up.
//
// A link owns one transport connection at a time and replaces it whenever it
// fails. Every link runs a single event loop (Run) through which all
// transport notifications pass, so state changes never race. Other
// goroutines only observe the state through Ready and State.
package link

import "time"

// State is the lifecycle state of a link.
type State int32

const (
	// StateDisconnected means no connection exists; a reconnect is pending.
	StateDisconnected State = iota

	// StateConnecting means a connection attempt, handshake included, is in
	// progress.
	StateConnecting

	// StateReady means the link is usable.
	StateReady
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// StateObserver is notified of link lifecycle changes. Calls come from the
// link's event loop and must not block.
type StateObserver interface {
	LinkStateChanged(link string, state State)
	LinkReconnectScheduled(link string, delay time.Duration)
}

type nopObserver struct{}

func (nopObserver) LinkStateChanged(string, State)               {}
func (nopObserver) LinkReconnectScheduled(string, time.Duration) {}
