package beat

import "fmt"

// State is the scheduler's position in its tick cycle.
type State int32

// Engine states. Stopped is terminal.
const (
	Idle State = iota
	ComputingNextTick
	Reloading
	Sleeping
	Firing
	Stopped
)

var stateNames = [...]string{
	Idle:              "idle",
	ComputingNextTick: "computing_next_tick",
	Reloading:         "reloading",
	Sleeping:          "sleeping",
	Firing:            "firing",
	Stopped:           "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("beat: unknown state %q", b)
}
