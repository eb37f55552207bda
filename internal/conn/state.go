package conn

import (
	"fmt"
	"slices"
)

// State is the live channel connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

var AllStates = []State{Disconnected, Connecting, Connected, Reconnecting}

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// StateChange is the payload of conn.state_changed events.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
