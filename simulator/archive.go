package simulator

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArtifactStore archives run logs under deterministic keys
type ArtifactStore interface {
	// Archive stores the log bytes and returns the artifact key
	Archive(ctx context.Context, runID string, logs []byte) (string, error)
}

// artifactKey is the deterministic object key for a run's logs
func artifactKey(runID string) string {
	return fmt.Sprintf("simulations/%s.log", runID)
}

// S3ArtifactStore archives logs to an s3 bucket
type S3ArtifactStore struct {
	client *s3.Client
	bucket string
}

// NewS3ArtifactStore creates an artifact store over the configured bucket.
// SIMULATOR_ARTIFACT_BUCKET names the bucket; AWS_ENDPOINT overrides the
// endpoint for local stacks.
func NewS3ArtifactStore(ctx context.Context) (*S3ArtifactStore, error) {
	bucket := os.Getenv("SIMULATOR_ARTIFACT_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("SIMULATOR_ARTIFACT_BUCKET is not set")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if endpoint := os.Getenv("AWS_ENDPOINT"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3ArtifactStore{client: client, bucket: bucket}, nil
}

// Archive stores the log bytes and returns the artifact key
func (s *S3ArtifactStore) Archive(ctx context.Context, runID string, logs []byte) (string, error) {
	key := artifactKey(runID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(logs),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}
