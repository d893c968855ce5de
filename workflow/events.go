package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/flowrun/types"
)

// EventType enumerates every frame a session can emit. The set is closed:
// components never pass unconstrained maps across boundaries.
type EventType string

const (
	EventNodeStart     EventType = "node_start"
	EventNodeEnd       EventType = "node_end"
	EventStreamMsg     EventType = "stream_msg"
	EventStreamOver    EventType = "stream_over"
	EventOutputMsg     EventType = "output_msg"
	EventOutputInput   EventType = "output_input"
	EventOutputChoose  EventType = "output_choose"
	EventGuideQuestion EventType = "guide_question"
	EventUserInput     EventType = "user_input"
	EventError         EventType = "error"
	EventClose         EventType = "close"
)

// Event is the envelope serialized onto the session's event FIFO and relayed
// to the client as one JSON frame.
type Event struct {
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	UniqueID  string          `json:"unique_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NodeStartData snapshots a node's resolved inputs at invocation time.
type NodeStartData struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

// NodeEndData carries a node's outputs and parsed log entries.
type NodeEndData struct {
	Outputs map[string]any `json:"outputs,omitempty"`
	Log     []LogEntry     `json:"log,omitempty"`
}

// LogEntry is one human-readable line of a node's execution log.
type LogEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// StreamMsgData is a single token delta of a streaming node output.
type StreamMsgData struct {
	OutputKey      string `json:"output_key"`
	Delta          string `json:"delta"`
	ReasoningDelta string `json:"reasoning_delta,omitempty"`
}

// StreamOverData closes one streamed output with its final text.
type StreamOverData struct {
	OutputKey string `json:"output_key"`
	Final     string `json:"final"`
	Reasoning string `json:"reasoning,omitempty"`
}

// OutputMsgData renders a non-interactive message to the client.
type OutputMsgData struct {
	Msg             string   `json:"msg"`
	Files           []File   `json:"files,omitempty"`
	SourceDocuments []any    `json:"source_documents,omitempty"`
	GuideWord       string   `json:"guide_word,omitempty"`
	Keys            []string `json:"keys,omitempty"`
}

// File is a user-visible file attachment on an output message.
type File struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// OutputInputData requests a free-form reply from the client.
type OutputInputData struct {
	Msg    string       `json:"msg"`
	Schema *InputSchema `json:"schema"`
}

// OutputChooseData requests a selection among fixed options.
type OutputChooseData struct {
	Msg     string   `json:"msg"`
	Options []string `json:"options"`
}

// GuideQuestionData suggests follow-up questions to the client.
type GuideQuestionData struct {
	Questions []string `json:"questions"`
}

// UserInputData echoes the accepted user payload back onto the stream.
type UserInputData struct {
	Payload map[string]any `json:"payload"`
}

// ErrorData is the terminal error frame emitted before close on failure.
type ErrorData struct {
	Kind   types.ErrorKind `json:"kind"`
	Detail string          `json:"detail"`
}

// InputSchema describes the payload an interactive node expects.
type InputSchema struct {
	NodeID string       `json:"node_id"`
	Kind   string       `json:"kind"` // "input" or "choose"
	Fields []GroupParam `json:"fields,omitempty"`
	// Options is populated for choose interactions.
	Options []string `json:"options,omitempty"`
}

// NewEvent builds an envelope, marshaling the payload. Payload marshal
// failures cannot happen for the closed payload set above, so they are
// swallowed into an empty body rather than breaking the stream.
func NewEvent(eventType EventType, nodeID, uniqueID string, payload any) Event {
	ev := Event{
		Type:      eventType,
		NodeID:    nodeID,
		UniqueID:  uniqueID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		}
	}
	return ev
}

// Callback receives every observable action of an engine run. The runtime
// implements it by appending to the session's Redis event FIFO; tests use an
// in-memory recorder. Event append is fire-and-forget: an error from OnEvent
// is logged by the caller but never fails the run.
type Callback interface {
	OnEvent(ctx context.Context, ev Event) error
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(ctx context.Context, ev Event) error

// OnEvent implements Callback.
func (f CallbackFunc) OnEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// NopCallback discards all events.
var NopCallback Callback = CallbackFunc(func(context.Context, Event) error { return nil })
