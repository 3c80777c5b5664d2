package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// uploader is the part of manager.Uploader used here.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver uploads account snapshots to Amazon S3 (or compatible APIs).
type S3Archiver struct {
	uploader  uploader
	bucket    string
	keyPrefix string
}

func NewS3Archiver(client *s3.Client, bucket, keyPrefix string) (*S3Archiver, error) {
	return newS3Archiver(manager.NewUploader(client), bucket, keyPrefix)
}

func newS3Archiver(up uploader, bucket, keyPrefix string) (*S3Archiver, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	return &S3Archiver{
		uploader:  up,
		bucket:    bucket,
		keyPrefix: strings.Trim(keyPrefix, "/"),
	}, nil
}

func (s *S3Archiver) Archive(ctx context.Context, name string, body io.Reader) (string, error) {
	key := s.objectKey(name)
	if key == "" {
		return "", fmt.Errorf("archive object name is required")
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Archiver) objectKey(name string) string {
	name = strings.Trim(name, "/")
	if name == "" {
		return ""
	}
	if s.keyPrefix == "" {
		return name
	}
	return s.keyPrefix + "/" + name
}

var _ Archiver = (*S3Archiver)(nil)
