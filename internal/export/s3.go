package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the uploader needs; tests substitute a
// fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// UploaderConfig configures the archive uploader. Endpoint is required so
// the uploader works against S3-compatible storage.
type UploaderConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	BucketName      string
	KeyPrefix       string
}

// Uploader archives export snapshots to object storage.
type Uploader struct {
	client    s3API
	bucket    string
	keyPrefix string
	logger    *slog.Logger
	timeNow   func() time.Time
}

// NewUploader creates an uploader backed by an S3-compatible endpoint.
func NewUploader(cfg UploaderConfig, logger *slog.Logger) (*Uploader, error) {
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &Uploader{
		client:    client,
		bucket:    cfg.BucketName,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
		timeNow:   time.Now,
	}, nil
}

// Upload archives one export snapshot and returns its object key. Keys are
// timestamped so repeated exports never overwrite each other.
func (u *Uploader) Upload(ctx context.Context, format Format, data []byte) (string, error) {
	key := u.objectKey(format)
	contentType := "application/json"
	if format == FormatCSV {
		contentType = "text/csv"
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}

	u.logger.Info("uploaded audit export",
		slog.String("bucket", u.bucket),
		slog.String("key", key),
		slog.Int("bytes", len(data)))
	return key, nil
}

func (u *Uploader) objectKey(format Format) string {
	prefix := u.keyPrefix
	if prefix == "" {
		prefix = "audit-exports"
	}
	return fmt.Sprintf("%s/%s.%s", prefix, u.timeNow().UTC().Format("2006-01-02T15-04-05Z"), format)
}
