package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/tencentyun/cos-go-sdk-v5"

	"github.com/BaSui01/flowrun/types"
)

// COS stores blobs in a Tencent Cloud COS bucket.
type COS struct {
	client *cos.Client
}

// NewCOS builds a bucket-scoped client. bucketURL is the full bucket
// endpoint, e.g. https://bucket-appid.cos.region.myqcloud.com.
func NewCOS(bucketURL, secretID, secretKey string) (*COS, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid bucket url").WithCause(err)
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  secretID,
			SecretKey: secretKey,
		},
	})
	return &COS{client: client}, nil
}

// Put implements Store.
func (c *COS) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: contentType},
	}
	if _, err := c.client.Object.Put(ctx, key, body, opt); err != nil {
		return "", types.NewError(types.ErrExternalService, "cos put failed").WithCause(err).WithRetryable(true)
	}
	return c.client.Object.GetObjectURL(key).String(), nil
}

// Get implements Store.
func (c *COS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := c.client.Object.Get(ctx, key, nil)
	if err != nil {
		return nil, types.NewError(types.ErrExternalService, "cos get failed").WithCause(err).WithRetryable(true)
	}
	return resp.Body, nil
}
