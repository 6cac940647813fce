package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// Reader fetches objects.
type Reader struct {
	client *s3.Client
	bucket string
}

// NewReader creates a Reader on c's bucket.
func NewReader(c *Client) *Reader {
	return &Reader{client: c.s3, bucket: c.bucket}
}

// Get returns the body of the object at path, or domain.ErrNotFound. The
// caller closes the body.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// isNotFound matches NoSuchKey from GetObject, NotFound from HeadObject, and
// bare 404s from S3-compatible providers.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var httpErr interface{ HTTPStatusCode() int }
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.BlobReader = (*Reader)(nil)

// Store combines Writer and Reader on one bucket, shared by the snapshot sink
// and the catalogue source.
type Store struct {
	*Writer
	*Reader
}

// NewStore creates a Store on c's bucket.
func NewStore(c *Client) *Store {
	return &Store{Writer: NewWriter(c), Reader: NewReader(c)}
}
