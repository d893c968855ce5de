// Package objectstore abstracts blob storage for generated artifacts such as
// report documents. The workflow layer only needs Put-and-get-a-URL.
package objectstore

import (
	"context"
	"io"
)

// Store persists a blob and returns a URL the client can fetch it from.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (url string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
