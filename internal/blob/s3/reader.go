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

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.BlobReader = (*Reader)(nil)

// Reader implements domain.BlobReader.
type Reader struct {
	client *Client
}

// NewReader creates a Reader over c's bucket.
func NewReader(c *Client) *Reader {
	return &Reader{client: c}
}

// Get opens the object at path. The caller closes the body. A missing object
// wraps domain.ErrNotFound.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := r.client.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.client.bucket),
		Key:    aws.String(r.client.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// List returns every object under prefix, following pagination.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(r.client.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.client.bucket),
		Prefix: aws.String(r.client.key(prefix)),
	})

	var infos []domain.BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := domain.BlobInfo{
				Path: r.client.path(aws.ToString(obj.Key)),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Exists reports whether an object exists at path.
func (r *Reader) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.client.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.client.bucket),
		Key:    aws.String(r.client.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3blob: exists %s: %w", path, err)
	}
	return true, nil
}

// isNotFound matches NoSuchKey, the bare NotFound HeadObject returns, and any
// provider response carrying HTTP 404.
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
