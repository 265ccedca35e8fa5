package fstab

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror stores an off-host copy of each backup.
type Mirror interface {
	Upload(ctx context.Context, id string, data []byte) error
}

// S3Config configures an S3-compatible backup mirror.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	UseSSL          bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

// s3Uploader is the part of manager.Uploader the mirror uses.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Mirror uploads backups to s3://bucket/prefix/<id>.
type S3Mirror struct {
	bucket   string
	prefix   string
	uploader s3Uploader
}

// NewS3Mirror builds a mirror from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsOpts = append(awsOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
		endpointURL := fmt.Sprintf("%s://%s", scheme, endpoint)
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return newS3Mirror(cfg.Bucket, cfg.Prefix, manager.NewUploader(client)), nil
}

func newS3Mirror(bucket, prefix string, uploader s3Uploader) *S3Mirror {
	return &S3Mirror{bucket: bucket, prefix: strings.Trim(prefix, "/"), uploader: uploader}
}

// Key returns the object key for a backup ID.
func (m *S3Mirror) Key(id string) string {
	name := backupPrefix + id + backupSuffix
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Upload implements Mirror.
func (m *S3Mirror) Upload(ctx context.Context, id string, data []byte) error {
	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.Key(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("upload backup %s to s3://%s/%s: %w", id, m.bucket, m.Key(id), err)
	}
	return nil
}
