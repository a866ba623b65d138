package conbuilder

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RemoteStore ships exported artifacts to an S3-compatible bucket.
type RemoteStore struct {
	client *s3.Client
	bucket string
}

// NewRemoteStore builds a client from the S3_* configuration values.
func NewRemoteStore(cfg *Config) (*RemoteStore, error) {
	if cfg.S3Bucket == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return nil, &ConfigError{Key: "S3_BUCKET", Reason: "remote export needs S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY"}
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		endpoint := cfg.S3Endpoint
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			})
		options = append(options, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &RemoteStore{client: client, bucket: cfg.S3Bucket}, nil
}

// Upload stores one artifact under key.
func (r *RemoteStore) Upload(ctx context.Context, key string, body []byte) error {
	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(key, ".changes"), strings.HasSuffix(key, ".dsc"), strings.HasSuffix(key, ".buildinfo"):
		contentType = "text/plain"
	case strings.HasSuffix(key, ".deb"):
		contentType = "application/vnd.debian.binary-package"
	}

	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	return err
}
