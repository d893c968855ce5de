package workflow

// Status is a session's lifecycle state. All transitions go through the
// store's compare-and-set so exactly one writer wins.
type Status string

const (
	// StatusWaiting is a new session whose definition is stored but not yet
	// picked up by a worker.
	StatusWaiting Status = "waiting"
	// StatusRunning is an engine actively traversing the graph.
	StatusRunning Status = "running"
	// StatusInput is an engine suspended on an interactive node. No thread of
	// execution is held while in this state.
	StatusInput Status = "input"
	// StatusInputOver is a client reply written and the resume task pending.
	StatusInputOver Status = "input_over"
	// StatusSuccess is a traversal that finished normally.
	StatusSuccess Status = "success"
	// StatusFailed is a fatal error; the reason lives in the session record.
	StatusFailed Status = "failed"
	// StatusTerminated is a client stop honored.
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTerminated
}

// transitions enumerates the legal status edges. Terminated is reachable from
// any non-terminal state.
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusRunning, StatusTerminated},
	StatusRunning:   {StatusInput, StatusSuccess, StatusFailed, StatusTerminated},
	StatusInput:     {StatusInputOver, StatusTerminated},
	StatusInputOver: {StatusRunning, StatusTerminated},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
