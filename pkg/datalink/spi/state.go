package spi

import "fmt"

// State is the state of an SPI session on the agent.
type State int

// Session states.
const (
	StateError State = iota
	StateIdle
	StateC2APayload
	StateC2AAck
	StateA2CReadLen
	StateA2CReadPayload
	StateA2CRereadLen
	StateA2CRereadPayload
)

var stateNames = []string{
	"ERROR",
	"IDLE",
	"C2A_PAYLOAD",
	"C2A_ACK",
	"A2C_READ_LEN",
	"A2C_READ_PAYLOAD",
	"A2C_REREAD_LEN",
	"A2C_REREAD_PAYLOAD",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	StateError:            {StateIdle},
	StateIdle:             {StateC2APayload, StateA2CReadLen, StateA2CRereadLen, StateIdle},
	StateC2APayload:       {StateC2AAck, StateIdle},
	StateC2AAck:           {StateIdle},
	StateA2CReadLen:       {StateA2CReadPayload, StateIdle},
	StateA2CRereadLen:     {StateA2CRereadPayload, StateIdle},
	StateA2CReadPayload:   {StateIdle},
	StateA2CRereadPayload: {StateIdle},
}

// ValidTransition returns true if from may move to to.
func ValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextState returns the state reached when to is requested in from.
// Requests outside the transition table end in StateError.
func NextState(from, to State) State {
	if ValidTransition(from, to) {
		return to
	}
	return StateError
}
