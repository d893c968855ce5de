package engine

import (
	"time"

	"github.com/BaSui01/flowrun/workflow"
	"github.com/BaSui01/flowrun/workflow/nodes"
)

// State is the resumable execution state of one session. It is a plain value
// serialized to the session store on every suspension, so a different worker
// can pick the run up after input or after a crash.
type State struct {
	Frontier  []string       `json:"frontier"`
	Deferrals map[string]int `json:"deferrals,omitempty"`
	Steps     int            `json:"steps"`
	StartedAt time.Time      `json:"started_at"`
	// Pending is the node awaiting user input, empty otherwise.
	Pending string               `json:"pending,omitempty"`
	Pool    *workflow.Pool       `json:"pool"`
	Launch  map[string]any       `json:"launch,omitempty"`
	History []nodes.Turn         `json:"history,omitempty"`
	Schema  *workflow.InputSchema `json:"schema,omitempty"`
}

// NewState seeds a run from the launch payload, with the start node as the
// initial frontier.
func NewState(def *workflow.Definition, launch map[string]any) *State {
	start := def.StartNode()
	return &State{
		Frontier:  []string{start.ID},
		Deferrals: make(map[string]int),
		StartedAt: time.Now().UTC(),
		Pool:      workflow.NewPool(),
		Launch:    launch,
	}
}

// Outcome is the terminal (or suspended) disposition of one engine pass.
type Outcome struct {
	Status workflow.Status
	// Err carries the failure when Status is failed or terminated.
	Err error
}
