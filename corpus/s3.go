package corpus

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the uploader needs
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader copies saved corpus files into the bucket prefix the knowledge
// base syncs from.
type S3Uploader struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Uploader(client S3API, bucket, prefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix}
}

// NewS3UploaderFromConfig builds the uploader from the default AWS credential
// chain.
func NewS3UploaderFromConfig(ctx context.Context, region, bucket, prefix string) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Uploader(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

// Key returns the object key for a local file
func (u *S3Uploader) Key(file string) string {
	return path.Join(u.prefix, filepath.Base(file))
}

// Upload puts one file and returns its object key
func (u *S3Uploader) Upload(ctx context.Context, file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", file, err)
	}

	key := u.Key(file)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return key, nil
}
