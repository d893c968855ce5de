package facade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/dispatch"
	"github.com/BaSui01/flowrun/internal/store"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Client actions over the WebSocket channel.
const (
	// ActionInit creates and launches a session, or reattaches to one by ID.
	ActionInit = "init_data"
	// ActionInput delivers a reply to the pending interactive node.
	ActionInput = "input"
	// ActionStop requests cooperative termination.
	ActionStop = "stop"
)

// wsAction is one client frame. For init_data, data is the workflow
// definition; for input, data maps the pending node id to its reply.
type wsAction struct {
	Action    string          `json:"action"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// wsInputReply is the per-node body of an input action.
type wsInputReply struct {
	Data      map[string]any `json:"data"`
	MessageID string         `json:"message_id,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// wsAck confirms session creation before events start flowing.
type wsAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// wsError is an out-of-band protocol error frame. Engine errors arrive as
// regular error events on the relay instead.
type wsError struct {
	Type  string    `json:"type"`
	Error ErrorInfo `json:"error"`
}

// WSHandler is the bidirectional session channel: the client drives the
// session with action frames while the server relays the event FIFO. One
// connection serves one session.
type WSHandler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	eventWait  time.Duration
	logger     *zap.Logger
}

// NewWSHandler builds the WebSocket handler.
func NewWSHandler(st *store.Store, d *dispatch.Dispatcher, eventWait time.Duration, logger *zap.Logger) *WSHandler {
	if eventWait <= 0 {
		eventWait = 2 * time.Second
	}
	return &WSHandler{
		store:      st,
		dispatcher: d,
		eventWait:  eventWait,
		logger:     logger.With(zap.String("component", "ws")),
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session aborted")

	ctx := r.Context()
	sessionID, err := h.initSession(ctx, conn)
	if err != nil {
		h.logger.Warn("session init failed", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, "init failed")
		return
	}
	logger := h.logger.With(zap.String("session_id", sessionID))
	logger.Info("session channel open")

	// The relay ends the session; the read pump ends on client disconnect.
	// Either one failing tears the other down through the group context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.relay(ctx, conn, sessionID) })
	g.Go(func() error { return h.readPump(ctx, conn, sessionID) })

	err = g.Wait()
	if err != nil && !errors.Is(err, errSessionOver) && !errors.Is(err, context.Canceled) {
		logger.Warn("session channel closed with error", zap.Error(err))
		return
	}
	logger.Info("session channel closed")
	conn.Close(websocket.StatusNormalClosure, "session over")
}

// errSessionOver ends both pumps cleanly once the close frame is relayed.
var errSessionOver = errors.New("session over")

// initSession consumes the mandatory first frame. A definition starts a new
// session; a bare session_id reattaches to a live one.
func (h *WSHandler) initSession(ctx context.Context, conn *websocket.Conn) (string, error) {
	var action wsAction
	if err := wsjson.Read(ctx, conn, &action); err != nil {
		return "", err
	}
	if action.Action != ActionInit {
		return "", types.NewError(types.ErrValidation, "first frame must be "+ActionInit)
	}

	if len(action.Data) == 0 {
		if action.SessionID == "" {
			return "", types.NewError(types.ErrValidation, "definition or session_id required")
		}
		// Reattach: the session must exist. A running session whose bound
		// worker died is re-dispatched so the relay does not idle forever.
		status, err := h.store.Status(ctx, action.SessionID)
		if err != nil {
			return "", err
		}
		if status == workflow.StatusRunning {
			if _, rerr := h.dispatcher.Recover(ctx, action.SessionID); rerr != nil {
				h.logger.Warn("session recovery failed",
					zap.String("session_id", action.SessionID), zap.Error(rerr))
			}
		}
		return action.SessionID, wsjson.Write(ctx, conn, wsAck{Type: "session", SessionID: action.SessionID})
	}

	if _, err := workflow.ParseDefinition(action.Data); err != nil {
		return "", err
	}
	sessionID := uuid.NewString()
	if err := h.store.CreateSession(ctx, sessionID, action.Data); err != nil {
		return "", err
	}
	if _, err := h.dispatcher.Dispatch(ctx, dispatch.Task{
		SessionID: sessionID,
		Kind:      dispatch.KindStart,
	}); err != nil {
		return "", err
	}
	return sessionID, wsjson.Write(ctx, conn, wsAck{Type: "session", SessionID: sessionID})
}

// relay pushes every FIFO event to the client until the close frame.
func (h *WSHandler) relay(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	for {
		ev, found, err := h.store.NextEvent(ctx, sessionID, h.eventWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !found {
			continue
		}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return err
		}
		if ev.Type == workflow.EventClose {
			return errSessionOver
		}
	}
}

// readPump handles input and stop actions until the client disconnects.
func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	for {
		var action wsAction
		if err := wsjson.Read(ctx, conn, &action); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var err *types.Error
		switch action.Action {
		case ActionInput:
			err = h.handleInput(ctx, sessionID, action)
		case ActionStop:
			err = h.handleStop(ctx, sessionID)
		case ActionInit:
			err = types.NewError(types.ErrValidation, "session already initialized")
		default:
			err = types.NewError(types.ErrValidation, "unknown action: "+action.Action)
		}
		if err != nil {
			frame := wsError{Type: "protocol_error", Error: ErrorInfo{
				Kind:    string(err.Kind),
				Message: err.Message,
			}}
			if werr := wsjson.Write(ctx, conn, frame); werr != nil {
				return werr
			}
		}
	}
}

// handleInput writes the reply and schedules the resume. The status CAS
// makes concurrent duplicate replies a no-op, and a raised stop flag wins
// over a reply racing it.
func (h *WSHandler) handleInput(ctx context.Context, sessionID string, action wsAction) *types.Error {
	var replies map[string]wsInputReply
	if err := json.Unmarshal(action.Data, &replies); err != nil || len(replies) != 1 {
		return types.NewError(types.ErrInputSchema, "input requires exactly one node reply")
	}
	var nodeID string
	var reply wsInputReply
	for id, r := range replies {
		nodeID, reply = id, r
	}
	payload := reply.Data
	if payload == nil && reply.Message != "" {
		payload = map[string]any{"message": reply.Message}
	}
	if h.store.Stopped(ctx, sessionID) {
		return types.NewError(types.ErrValidation, "session is stopping")
	}
	if err := h.store.WriteInput(ctx, sessionID, nodeID, payload); err != nil {
		return types.NewError(types.ErrExternalService, "input write failed").WithCause(err)
	}
	ok, err := h.store.Transition(ctx, sessionID, workflow.StatusInput, workflow.StatusInputOver)
	if err != nil {
		return types.AsError(err)
	}
	if !ok {
		return types.NewError(types.ErrInputSchema, "input already consumed for session")
	}
	if _, err := h.dispatcher.Dispatch(ctx, dispatch.Task{
		SessionID: sessionID,
		Kind:      dispatch.KindResume,
	}); err != nil {
		return types.AsError(err)
	}
	return nil
}

// handleStop raises the cooperative flag. A running engine honors it at its
// next poll; a session parked in waiting or input has no engine polling, so
// the stop terminates it here directly.
func (h *WSHandler) handleStop(ctx context.Context, sessionID string) *types.Error {
	if err := h.store.SetStop(ctx, sessionID); err != nil {
		return types.NewError(types.ErrExternalService, "stop write failed").WithCause(err)
	}
	status, err := h.store.Status(ctx, sessionID)
	if err != nil {
		return types.AsError(err)
	}
	if status == workflow.StatusWaiting || status == workflow.StatusInput {
		ok, err := h.store.Transition(ctx, sessionID, status, workflow.StatusTerminated)
		if err != nil {
			return types.AsError(err)
		}
		if ok {
			_ = h.store.AppendEvent(ctx, sessionID, workflow.NewEvent(workflow.EventError, "", "", workflow.ErrorData{
				Kind:   types.ErrTerminated,
				Detail: "stopped by client",
			}))
			_ = h.store.AppendEvent(ctx, sessionID, workflow.NewEvent(workflow.EventClose, "", "", nil))
			h.store.Expire(ctx, sessionID)
		}
	}
	h.logger.Info("stop requested", zap.String("session_id", sessionID))
	return nil
}
