package store

import "github.com/ethan/vas-ingest/pkg/vaserr"

// StreamState is the lifecycle state of a stream.
type StreamState string

const (
	StateInitializing StreamState = "INITIALIZING"
	StateReady        StreamState = "READY"
	StateLive         StreamState = "LIVE"
	StateError        StreamState = "ERROR"
	StateStopped      StreamState = "STOPPED"
	StateClosed       StreamState = "CLOSED"
)

// transitions enumerates every legal state change in one place. LIVE → LIVE
// covers restarts re-entering the state; CLOSED is terminal.
var transitions = map[StreamState][]StreamState{
	StateInitializing: {StateReady, StateLive, StateError, StateStopped},
	StateReady:        {StateLive, StateError, StateStopped},
	StateLive:         {StateLive, StateError, StateStopped},
	StateError:        {StateInitializing, StateStopped},
	StateStopped:      {StateInitializing, StateClosed},
	StateClosed:       {},
}

// Valid reports whether s is a known state.
func (s StreamState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Active reports whether the state corresponds to a running session.
func (s StreamState) Active() bool {
	return s == StateInitializing || s == StateReady || s == StateLive
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to StreamState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an IllegalTransition error when from → to is not
// in the table.
func CheckTransition(from, to StreamState) error {
	if !CanTransition(from, to) {
		return vaserr.Newf(vaserr.KindIllegalTransition, "stream transition %s -> %s not allowed", from, to)
	}
	return nil
}
