package objectstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/BaSui01/flowrun/types"
)

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	// BaseURL prefixes returned URLs, e.g. "memory://".
	BaseURL string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte), BaseURL: "memory://"}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", types.NewError(types.ErrExternalService, "read blob body").WithCause(err)
	}
	m.mu.Lock()
	m.blobs[key] = data
	m.mu.Unlock()
	return m.BaseURL + key, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrExternalService, "blob not found: "+key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
