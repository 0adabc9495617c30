// Package s3blob implements the domain blob interfaces on AWS SDK v2. Any
// S3-compatible store (MinIO, R2, iDrive e2) works through Endpoint.
package s3blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig configures the object store connection.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for S3-compatible providers.
	Endpoint string
	Region   string
	Bucket   string
	// AccessKey and SecretKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
	// Prefix is prepended to every object key.
	Prefix string
}

// Client wraps the S3 client with its bucket and key prefix.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// New creates a Client from cfg.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Client{s3: client, bucket: cfg.Bucket, prefix: normalisePrefix(cfg.Prefix)}, nil
}

// Health checks that the bucket is reachable.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// S3 returns the underlying SDK client.
func (c *Client) S3() *s3.Client {
	return c.s3
}

// Bucket returns the configured bucket.
func (c *Client) Bucket() string {
	return c.bucket
}

// key maps a logical path to its object key.
func (c *Client) key(path string) string {
	return c.prefix + strings.TrimPrefix(path, "/")
}

// path maps an object key back to its logical path.
func (c *Client) path(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

func normalisePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// normaliseEndpoint adds a scheme to a bare host endpoint.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Scheme != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
