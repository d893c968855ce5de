package facade

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/dispatch"
	"github.com/BaSui01/flowrun/internal/store"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// DefinitionSource resolves a stored workflow id to its definition JSON.
// Definition persistence itself lives outside the runtime; this is the
// narrow seam it plugs into.
type DefinitionSource interface {
	Definition(ctx context.Context, workflowID string) (json.RawMessage, error)
}

// DefinitionSourceFunc adapts a function to DefinitionSource.
type DefinitionSourceFunc func(ctx context.Context, workflowID string) (json.RawMessage, error)

// Definition implements DefinitionSource.
func (f DefinitionSourceFunc) Definition(ctx context.Context, workflowID string) (json.RawMessage, error) {
	return f(ctx, workflowID)
}

// NewDirSource reads definitions from <root>/<workflow_id>.json.
func NewDirSource(root string) DefinitionSource {
	return DefinitionSourceFunc(func(ctx context.Context, workflowID string) (json.RawMessage, error) {
		if workflowID == "" || strings.ContainsAny(workflowID, `/\.`) {
			return nil, types.NewError(types.ErrValidation, "invalid workflow id")
		}
		data, err := os.ReadFile(filepath.Join(root, workflowID+".json"))
		if err != nil {
			return nil, types.NewError(types.ErrValidation, "unknown workflow: "+workflowID).WithCause(err)
		}
		return data, nil
	})
}

// InvokeRequest launches a workflow session over plain HTTP, or continues a
// suspended one when session_id is set. The definition comes from the
// configured source by workflow_id, or inline.
type InvokeRequest struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Input      map[string]any  `json:"input,omitempty"`
	Stream     bool            `json:"stream,omitempty"`
}

// InvokeResponse is the non-streaming reply: the full event transcript.
type InvokeResponse struct {
	SessionID string           `json:"session_id"`
	Status    workflow.Status  `json:"status"`
	Events    []workflow.Event `json:"events"`
}

// InvokeHandler runs a session to completion over one HTTP request. With
// stream=true events are relayed as SSE frames as they happen; otherwise the
// handler drains the FIFO and replies with the whole transcript.
type InvokeHandler struct {
	store       *store.Store
	dispatcher  *dispatch.Dispatcher
	definitions DefinitionSource
	// eventWait bounds each FIFO poll; an idle stream past this is treated
	// as a lost worker.
	eventWait time.Duration
	logger    *zap.Logger
}

// NewInvokeHandler builds the invoke handler. defs may be nil when only
// inline definitions are served.
func NewInvokeHandler(st *store.Store, d *dispatch.Dispatcher, defs DefinitionSource, eventWait time.Duration, logger *zap.Logger) *InvokeHandler {
	if eventWait <= 0 {
		eventWait = 2 * time.Minute
	}
	return &InvokeHandler{
		store:       st,
		dispatcher:  d,
		definitions: defs,
		eventWait:   eventWait,
		logger:      logger.With(zap.String("component", "invoke")),
	}
}

// ServeHTTP implements http.Handler.
func (h *InvokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, types.NewError(types.ErrValidation, "method not allowed"), h.logger)
		return
	}
	var req InvokeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	ctx := r.Context()

	var sessionID string
	if req.SessionID != "" {
		if err := h.continueSession(ctx, req); err != nil {
			WriteError(w, err, h.logger)
			return
		}
		sessionID = req.SessionID
	} else {
		definition, err := h.resolveDefinition(ctx, req)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		sessionID = uuid.NewString()
		if err := h.store.CreateSession(ctx, sessionID, definition); err != nil {
			WriteError(w, types.NewError(types.ErrExternalService, "session create failed").WithCause(err), h.logger)
			return
		}
		if _, err := h.dispatcher.Dispatch(ctx, dispatch.Task{
			SessionID: sessionID,
			Kind:      dispatch.KindStart,
			Payload:   req.Input,
		}); err != nil {
			WriteError(w, types.AsError(err), h.logger)
			return
		}
	}
	h.logger.Info("session launched",
		zap.String("session_id", sessionID),
		zap.Bool("stream", req.Stream))

	if req.Stream {
		h.streamEvents(w, r, sessionID)
		return
	}
	h.collectEvents(w, r, sessionID)
}

// resolveDefinition returns the inline definition or looks the workflow id
// up in the source. Malformed graphs are rejected before anything is written
// to the store.
func (h *InvokeHandler) resolveDefinition(ctx context.Context, req InvokeRequest) (json.RawMessage, *types.Error) {
	definition := req.Definition
	if len(definition) == 0 {
		if h.definitions == nil || req.WorkflowID == "" {
			return nil, types.NewError(types.ErrValidation, "workflow_id or definition required")
		}
		resolved, err := h.definitions.Definition(ctx, req.WorkflowID)
		if err != nil {
			return nil, types.AsError(err)
		}
		definition = resolved
	}
	if _, err := workflow.ParseDefinition(definition); err != nil {
		return nil, types.AsError(err)
	}
	return definition, nil
}

// continueSession feeds the reply to a session suspended on input and
// schedules its resume; with no input it merely reattaches to the event
// stream. The status CAS keeps duplicate replies no-ops.
func (h *InvokeHandler) continueSession(ctx context.Context, req InvokeRequest) *types.Error {
	status, err := h.store.Status(ctx, req.SessionID)
	if err != nil {
		return types.AsError(err)
	}
	if req.Input == nil {
		// A reattach to a running session whose bound worker died would hang
		// on the event stream; recovery re-dispatches the run first.
		if status == workflow.StatusRunning {
			if _, rerr := h.dispatcher.Recover(ctx, req.SessionID); rerr != nil {
				h.logger.Warn("session recovery failed",
					zap.String("session_id", req.SessionID), zap.Error(rerr))
			}
		}
		return nil
	}
	if status != workflow.StatusInput {
		return types.NewError(types.ErrInputSchema, "session is not awaiting input")
	}
	var state struct {
		Pending string `json:"pending"`
	}
	found, err := h.store.LoadState(ctx, req.SessionID, &state)
	if err != nil || !found || state.Pending == "" {
		return types.NewError(types.ErrValidation, "no pending input for session")
	}
	if err := h.store.WriteInput(ctx, req.SessionID, state.Pending, req.Input); err != nil {
		return types.NewError(types.ErrExternalService, "input write failed").WithCause(err)
	}
	ok, err := h.store.Transition(ctx, req.SessionID, workflow.StatusInput, workflow.StatusInputOver)
	if err != nil {
		return types.AsError(err)
	}
	if !ok {
		return types.NewError(types.ErrInputSchema, "input already consumed for session")
	}
	if _, err := h.dispatcher.Dispatch(ctx, dispatch.Task{
		SessionID: req.SessionID,
		Kind:      dispatch.KindResume,
	}); err != nil {
		return types.AsError(err)
	}
	return nil
}

// streamEvents relays the session FIFO as SSE data frames, ending with a
// [DONE] marker after the close frame.
func (h *InvokeHandler) streamEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrValidation, "streaming not supported"), h.logger)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	for {
		ev, found, err := h.store.NextEvent(ctx, sessionID, h.eventWait)
		if err != nil {
			h.logger.Error("event poll failed",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if !found {
			h.logger.Warn("event stream idle, closing",
				zap.String("session_id", sessionID))
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("event marshal failed", zap.Error(err))
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()

		// A session suspended on input continues over the WebSocket channel;
		// the one-shot HTTP response ends here either way.
		if terminalFrame(ev.Type) {
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
			flusher.Flush()
			return
		}
	}
}

func terminalFrame(t workflow.EventType) bool {
	return t == workflow.EventClose || t == workflow.EventOutputInput || t == workflow.EventOutputChoose
}

// collectEvents drains the FIFO into one response body.
func (h *InvokeHandler) collectEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	var events []workflow.Event
	for {
		ev, found, err := h.store.NextEvent(ctx, sessionID, h.eventWait)
		if err != nil {
			WriteError(w, types.NewError(types.ErrExternalService, "event poll failed").WithCause(err), h.logger)
			return
		}
		if !found {
			WriteError(w, types.NewError(types.ErrTimeout, "session produced no events in time"), h.logger)
			return
		}
		events = append(events, ev)
		if terminalFrame(ev.Type) {
			break
		}
	}
	WriteSuccess(w, InvokeResponse{SessionID: sessionID, Status: h.awaitSettled(ctx, sessionID), Events: events})
}

// awaitSettled reads the session status, giving the worker a moment to land
// its transition after the terminal event frame.
func (h *InvokeHandler) awaitSettled(ctx context.Context, sessionID string) workflow.Status {
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := h.store.Status(ctx, sessionID)
		if err != nil {
			return ""
		}
		if status != workflow.StatusRunning && status != workflow.StatusInputOver {
			return status
		}
		if time.Now().After(deadline) {
			return status
		}
		select {
		case <-ctx.Done():
			return status
		case <-time.After(20 * time.Millisecond):
		}
	}
}
