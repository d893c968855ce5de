package tools

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/flowrun/types"
)

// maxResponseBytes caps the body returned to the variable pool.
const maxResponseBytes = 1 << 20

// HTTPRequest performs an outbound HTTP call.
//
// Arguments: url (required), method (default GET), headers (object of
// strings), body (string). Result: {"status": int, "body": string}.
type HTTPRequest struct {
	client *http.Client
}

// NewHTTPRequest builds the tool; a nil client gets a 30s-timeout default.
func NewHTTPRequest(client *http.Client) *HTTPRequest {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRequest{client: client}
}

func (h *HTTPRequest) Name() string        { return "http_request" }
func (h *HTTPRequest) Description() string { return "Perform an HTTP request and return status and body" }

// Invoke implements Tool.
func (h *HTTPRequest) Invoke(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return nil, types.NewError(types.ErrValidation, "http_request requires a url argument")
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := args["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, body)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid http_request arguments").WithCause(err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrExternalService, "http_request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.NewError(types.ErrExternalService, "http_request read body").WithCause(err).WithRetryable(true)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}, nil
}
