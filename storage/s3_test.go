package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	key         string
	bucket      string
	contentType string
	body        []byte
	err         error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(params.Key)
	f.bucket = aws.ToString(params.Bucket)
	f.contentType = aws.ToString(params.ContentType)
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	if got := ArchiveKey("nyc", "job-1", at); got != "raw/nyc/2025/03/10/job-1.json" {
		t.Errorf("ArchiveKey = %q", got)
	}
}

func TestS3ArchiveUploadsDataset(t *testing.T) {
	putter := &fakePutter{}
	archive := &S3Archive{client: putter, bucket: "homescout-raw"}
	raw := []byte(`[{"address":"1 Main St"}]`)

	key, err := archive.Archive(context.Background(), "boston", "job-7", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), raw)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if key != "raw/boston/2025/01/02/job-7.json" || putter.key != key {
		t.Errorf("key = %q, uploaded %q", key, putter.key)
	}
	if putter.bucket != "homescout-raw" || putter.contentType != "application/json" || string(putter.body) != string(raw) {
		t.Errorf("upload = %+v", putter)
	}
}

func TestS3ArchiveError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	archive := &S3Archive{client: putter, bucket: "homescout-raw"}
	if _, err := archive.Archive(context.Background(), "boston", "job-7", time.Now(), []byte("[]")); !errors.Is(err, putter.err) {
		t.Errorf("err = %v", err)
	}
}

func TestS3ConfigEnabled(t *testing.T) {
	if (S3Config{}).Enabled() || !(S3Config{Bucket: "b"}).Enabled() {
		t.Error("Enabled should follow Bucket")
	}
}
