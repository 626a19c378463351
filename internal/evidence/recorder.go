// Package evidence stores portal session transcripts for later diagnosis, on local disk
// or in an S3 bucket.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fno-automation-engine/internal/config"
)

// Recorder persists one evidence object and returns where it went.
type Recorder interface {
	Record(ctx context.Context, key string, body []byte) (string, error)
}

// New picks S3 when a bucket is configured, otherwise the local evidence directory.
func New(ctx context.Context, cfg config.Config) (Recorder, error) {
	if cfg.EvidenceS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Recorder{client: client, bucket: cfg.EvidenceS3Bucket}, nil
	}
	dir := cfg.EvidenceDir
	if dir == "" {
		dir = "./evidence"
	}
	return &LocalRecorder{baseDir: dir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.EvidenceS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.EvidenceS3PathStyle
		if cfg.EvidenceS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.EvidenceS3Endpoint)
		}
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// LocalRecorder writes evidence under a base directory.
type LocalRecorder struct {
	baseDir string
}

// NewLocalRecorder stores evidence under dir.
func NewLocalRecorder(dir string) *LocalRecorder {
	return &LocalRecorder{baseDir: dir}
}

func (l *LocalRecorder) Record(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Recorder uploads evidence objects to a bucket.
type S3Recorder struct {
	client *s3.Client
	bucket string
}

func (s *S3Recorder) Record(ctx context.Context, key string, body []byte) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
