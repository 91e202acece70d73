// Package s3 archives swept security events to S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"secmon/internal/config"
)

// ObjectAPI is the subset of the S3 API used by the archiver.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Client wraps an S3 bucket and key prefix.
type Client struct {
	api    ObjectAPI
	bucket string
	prefix string
	logger *slog.Logger

	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
	errors          atomic.Int64
}

// ClientMetrics holds upload statistics.
type ClientMetrics struct {
	BytesUploaded   int64 `json:"bytes_uploaded"`
	ObjectsUploaded int64 `json:"objects_uploaded"`
	Errors          int64 `json:"errors"`
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// NewClient creates an S3 client from archive settings. Static credentials
// are used when both key parts are set, otherwise the default AWS chain.
func NewClient(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewClientWithAPI(api, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewClientWithAPI creates a Client over an existing API implementation.
func NewClientWithAPI(api ObjectAPI, bucket, prefix string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("s3 client initialized", "bucket", bucket, "prefix", prefix)
	return &Client{api: api, bucket: bucket, prefix: prefix, logger: logger}
}

// Upload stores body under prefix+key.
func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	fullKey := c.prefix + key
	in := &s3.PutObjectInput{
		Bucket:               aws.String(c.bucket),
		Key:                  aws.String(fullKey),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if len(metadata) > 0 {
		in.Metadata = metadata
	}

	if _, err := c.api.PutObject(ctx, in); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("s3: failed to upload object %s: %w", fullKey, err)
	}

	c.bytesUploaded.Add(int64(len(body)))
	c.objectsUploaded.Add(1)
	c.logger.Debug("uploaded object", "key", fullKey, "size", len(body))
	return nil
}

// Download returns the body of prefix+key.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	fullKey := c.prefix + key
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download object %s: %w", fullKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read object %s: %w", fullKey, err)
	}
	return data, nil
}

// List returns the objects under prefix+keyPrefix. Returned keys are
// relative to the client prefix.
func (c *Client) List(ctx context.Context, keyPrefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix + keyPrefix),
	})

	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			c.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			objects = append(objects, ObjectInfo{
				Key:  key[len(c.prefix):],
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}

// Metrics returns upload statistics.
func (c *Client) Metrics() ClientMetrics {
	return ClientMetrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		ObjectsUploaded: c.objectsUploaded.Load(),
		Errors:          c.errors.Load(),
	}
}
