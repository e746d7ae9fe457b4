package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for MinIO, R2, etc.
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether a bucket was configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive keeps the raw provider dataset of every scrape job so a run can be
// re-parsed after an adapter fix without paying for another actor run.
type S3Archive struct {
	client objectPutter
	bucket string
}

func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archive{client: client, bucket: cfg.Bucket}, nil
}

// ArchiveKey is raw/{market}/{yyyy}/{mm}/{dd}/{job}.json.
func ArchiveKey(marketID, jobID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("raw/%s/%04d/%02d/%02d/%s.json", marketID, at.Year(), at.Month(), at.Day(), jobID)
}

// Archive uploads a raw dataset and returns its object key.
func (a *S3Archive) Archive(ctx context.Context, marketID, jobID string, at time.Time, raw []byte) (string, error) {
	key := ArchiveKey(marketID, jobID, at)
	if err := a.upload(ctx, key, bytes.NewReader(raw), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

func (a *S3Archive) upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
