package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.BlobWriter = (*Writer)(nil)

// minPartSize is the S3 multipart minimum (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter.
type Writer struct {
	client *Client
}

// NewWriter creates a Writer over c's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{client: c}
}

// Put uploads data in a single PutObject request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.client.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.client.bucket),
		Key:         aws.String(w.client.key(path)),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}

// PutMultipart uploads data through the multipart upload manager. partSize
// is clamped to the S3 minimum.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	uploader := manager.NewUploader(w.client.s3, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.client.bucket),
		Key:    aws.String(w.client.key(path)),
		Body:   data,
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}
