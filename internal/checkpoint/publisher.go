package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Publisher ships checkpoint artifacts to where mirrors can fetch them.
type Publisher interface {
	Publish(ctx context.Context, art *Artifact) error
}

// NoopPublisher discards artifacts. It is the default when no object store
// is configured.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, *Artifact) error { return nil }

// Publishers fans an artifact out to several publishers, returning the
// first error after trying all of them.
type Publishers []Publisher

// Publish implements Publisher.
func (ps Publishers) Publish(ctx context.Context, art *Artifact) error {
	var first error
	for _, p := range ps {
		if err := p.Publish(ctx, art); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// S3Config configures S3Publisher. Endpoint may point at any S3-compatible
// store such as MinIO; static credentials are used when AccessKey is set,
// otherwise the default AWS credential chain applies.
type S3Config struct {
	Region    string
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// ObjectPutter is the subset of *s3.Client used by S3Publisher.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher writes each artifact to <prefix>/<date>.json.
type S3Publisher struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Publisher builds an S3 client from cfg.
func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3PublisherWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3PublisherWithClient creates an S3Publisher around an existing client.
func NewS3PublisherWithClient(client ObjectPutter, bucket, prefix string) *S3Publisher {
	return &S3Publisher{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for date.
func (p *S3Publisher) Key(date string) string {
	return path.Join(p.prefix, date+".json")
}

// Publish implements Publisher.
func (p *S3Publisher) Publish(ctx context.Context, art *Artifact) error {
	body, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.Key(art.Date)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", art.Date, err)
	}
	return nil
}
