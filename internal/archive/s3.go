// Package archive copies verified snapshots to S3-compatible object storage
// (AWS S3, MinIO, R2) so a replacement host can recover without the
// database's snapshot table.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds the connection settings for the object store.
type ClientConfig struct {
	// Endpoint is an S3-compatible endpoint URL. Empty means AWS S3.
	Endpoint string
	Region   string
	Bucket   string
	// Prefix is prepended to every key, e.g. "prod/".
	Prefix    string
	AccessKey string
	SecretKey string
	// UseSSL picks the scheme when Endpoint has none.
	UseSSL bool
	// ForcePathStyle is required by MinIO and most S3-compatible stores.
	ForcePathStyle bool
}

// objectAPI is the part of *s3.Client the archiver calls.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archiver implements persistence.Archiver.
type S3Archiver struct {
	client objectAPI
	bucket string
	prefix string
}

// New builds an archiver from static credentials.
func New(ctx context.Context, cfg ClientConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3Archiver(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client objectAPI, bucket, prefix string) *S3Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key is the object key of the snapshot at sequence.
func (a *S3Archiver) Key(sequence int64) string {
	return fmt.Sprintf("%ssnapshots/%020d.json", a.prefix, sequence)
}

// Archive uploads one snapshot body and returns its key.
func (a *S3Archiver) Archive(ctx context.Context, sequence int64, data []byte) (string, error) {
	key := a.Key(sequence)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"sequence": fmt.Sprintf("%d", sequence),
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return key, nil
}

// Health checks that the bucket is reachable; used as a readiness probe.
func (a *S3Archiver) Health(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("archive: head bucket %s: %w", a.bucket, err)
	}
	return nil
}

// normaliseEndpoint adds a scheme when the endpoint has none.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
