// Package archive uploads terminal job artifacts to object storage so the
// rendered import files and optimizer solutions outlive the factory share.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"optiplan-pipeline/internal/config"
	"optiplan-pipeline/internal/models"
)

// Service archives job artifacts to S3. A nil *Service is a no-op.
type Service struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// New builds the archiver, or returns nil when no bucket is configured.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Service, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Service{client: client, bucket: cfg.ArchiveS3Bucket, log: log}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// ArchiveJob uploads the job's artifacts under jobs/<id>/. Best-effort:
// failures are logged, never propagated.
func (s *Service) ArchiveJob(ctx context.Context, job models.Job) {
	if s == nil {
		return
	}
	for _, artifact := range []struct {
		path *string
		ct   string
	}{
		{job.XLSXPath, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{job.XMLPath, "application/xml"},
	} {
		if artifact.path == nil || *artifact.path == "" {
			continue
		}
		if err := s.upload(ctx, job.ID, *artifact.path, artifact.ct); err != nil {
			s.log.Warn("artifact archive failed", "job_id", job.ID, "path", *artifact.path, "error", err)
		}
	}
}

func (s *Service) upload(ctx context.Context, jobID, path, contentType string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	key := fmt.Sprintf("jobs/%s/%s", jobID, filepath.Base(path))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
