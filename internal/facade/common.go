// Package facade is the client-facing surface of the runtime: an HTTP invoke
// endpoint with SSE streaming and a WebSocket session channel. It owns no
// execution; it writes sessions and tasks into the shared store and relays
// the event FIFO back out.
package facade

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
)

// Response is the unified JSON envelope for non-streaming replies.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the serialized error payload.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	NodeID    string `json:"node_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes an error envelope, mapping the kind to an HTTP status.
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := httpStatus(err.Kind)
	if logger != nil {
		logger.Error("API error",
			zap.String("kind", string(err.Kind)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Error(err.Cause),
		)
	}
	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Kind:      string(err.Kind),
			Message:   err.Message,
			NodeID:    err.NodeID,
			Retryable: err.Retryable,
		},
		Timestamp: time.Now(),
	})
}

func httpStatus(kind types.ErrorKind) int {
	switch kind {
	case types.ErrValidation, types.ErrInputSchema:
		return http.StatusBadRequest
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSONBody decodes the request body into dest, writing a 400 on
// failure. The caller returns immediately on error.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dest any, logger *zap.Logger) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		WriteError(w, types.NewError(types.ErrValidation, "malformed request body").WithCause(err), logger)
		return err
	}
	return nil
}
