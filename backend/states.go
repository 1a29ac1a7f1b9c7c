package backend

// State is a xenbus connection state as stored in the state node of a device
// subtree. The numeric values are the wire contract with the frontend.
type State int

const (
	StateUnknown       State = 0
	StateInitialising  State = 1
	StateInitWait      State = 2
	StateInitialised   State = 3
	StateConnected     State = 4
	StateClosing       State = 5
	StateClosed        State = 6
	StateReconfiguring State = 7
	StateReconfigured  State = 8
)

var stateNames = map[State]string{
	StateUnknown:       "Unknown",
	StateInitialising:  "Initialising",
	StateInitWait:      "InitWait",
	StateInitialised:   "Initialised",
	StateConnected:     "Connected",
	StateClosing:       "Closing",
	StateClosed:        "Closed",
	StateReconfiguring: "Reconfiguring",
	StateReconfigured:  "Reconfigured",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Invalid"
}

// valid reports whether s is a state a frontend may legally publish.
func (s State) valid() bool {
	return s >= StateUnknown && s <= StateReconfigured
}
