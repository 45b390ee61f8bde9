// Package blobstore wraps S3-compatible object storage for audio chunk
// blobs. Uploads are idempotent for a given object path (last write wins),
// which keeps retried uploads at the same (call, sender, session index)
// slot harmless.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrNotFound = errors.New("blobstore: object not found")

// Config selects the S3 endpoint and bucket holding call audio.
type Config struct {
	// Endpoint is empty for AWS proper, or the base URL of an
	// S3-compatible service.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string

	// PublicURL is the base under which uploaded objects are reachable
	// by both parties (stored verbatim in audio_chunks.url).
	PublicURL string

	// UsePathStyle is required for some S3-compatible services
	// (and for gofakes3 in tests).
	UsePathStyle bool
}

// Client is the durable blob store for recorded audio.
type Client struct {
	s3        *s3.Client
	bucket    string
	publicURL string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: bucket required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	sdkCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	cli := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return FromS3Client(cli, cfg.Bucket, cfg.PublicURL), nil
}

// FromS3Client wraps an existing S3 client. Used by the gofakes3 test helper.
func FromS3Client(cli *s3.Client, bucket, publicURL string) *Client {
	return &Client{s3: cli, bucket: bucket, publicURL: strings.TrimSuffix(publicURL, "/")}
}

// Upload stores data under path and returns its public URL.
func (c *Client) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("blobstore: path required")
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: upload %q: %w", path, err)
	}
	return c.PublicURL(path), nil
}

// Fetch downloads the object at path, used to warm the local cache.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, string, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("blobstore: fetch %q: %w", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: read %q: %w", path, err)
	}
	ct := ""
	if out.ContentType != nil {
		ct = *out.ContentType
	}
	return data, ct, nil
}

// FetchURL resolves a public URL back to its object path and downloads it.
// URLs outside this store's public base are refused.
func (c *Client) FetchURL(ctx context.Context, url string) ([]byte, string, error) {
	path, ok := c.PathForURL(url)
	if !ok {
		return nil, "", fmt.Errorf("blobstore: url %q outside public base", url)
	}
	return c.Fetch(ctx, path)
}

// PublicURL returns the stable public URL for an object path.
func (c *Client) PublicURL(path string) string {
	return c.publicURL + "/" + strings.TrimPrefix(path, "/")
}

// PathForURL inverts PublicURL.
func (c *Client) PathForURL(url string) (string, bool) {
	prefix := c.publicURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}
