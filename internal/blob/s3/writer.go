package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// Writer uploads objects through the upload manager, which sends bodies
// below the part size as a single PutObject.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer on c's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.s3),
		bucket:   c.bucket,
	}
}

// PutIfAbsent uploads data to path only if no object exists there. S3
// evaluates the If-None-Match condition itself, so a lost race returns
// domain.ErrAlreadyExists rather than overwriting.
func (w *Writer) PutIfAbsent(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("s3blob: put %s: %w", path, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// isConditionFailed matches 412 PreconditionFailed, and 409
// ConditionalRequestConflict from a concurrent conditional write.
func isConditionFailed(err error) bool {
	var httpErr interface{ HTTPStatusCode() int }
	if !errors.As(err, &httpErr) {
		return false
	}
	code := httpErr.HTTPStatusCode()
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

var _ domain.BlobWriter = (*Writer)(nil)
