package watch

import "fmt"

// State is the manager lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	ShuttingDown
	Terminated
)

var stateNames = [...]string{
	Stopped:      "stopped",
	Starting:     "starting",
	Running:      "running",
	ShuttingDown: "shutting_down",
	Terminated:   "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown manager state %q", b)
}
