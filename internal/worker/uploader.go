package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"analysis-dispatch/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// artifactSink picks where generated files land: the local disk or an S3 bucket.
type artifactSink struct {
	local uploader
	s3    uploader
}

func newArtifactSink(ctx context.Context, cfg config.Config) (*artifactSink, error) {
	baseDir := cfg.ReportOutputDir
	if baseDir == "" {
		baseDir = "./reports"
	}
	sink := &artifactSink{local: &localUploader{baseDir: baseDir}}
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sink.s3 = &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}
	}
	return sink, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

// pick returns the uploader for destination. An empty destination prefers S3 when configured.
func (s *artifactSink) pick(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if s.s3 != nil {
			return s.s3, nil
		}
		return nil, errors.New("destination s3 requested but REPORT_S3_BUCKET is not configured")
	case "local":
		if s.local != nil {
			return s.local, nil
		}
	case "":
		if s.s3 != nil {
			return s.s3, nil
		}
		if s.local != nil {
			return s.local, nil
		}
	}
	return nil, fmt.Errorf("no uploader for destination %q", destination)
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
