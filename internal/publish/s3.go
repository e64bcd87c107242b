package publish

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"remaster/internal/config"
	"remaster/internal/models"
)

// objectPutter is the slice of the S3 client the publisher needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher copies finished artifacts to an S3 bucket.
type S3Publisher struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Publisher builds a publisher from config. It returns nil, nil when no
// bucket is configured.
func NewS3Publisher(ctx context.Context, cfg config.Config, optFns ...func(*awsconfig.LoadOptions) error) (*S3Publisher, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	opts := append([]func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}, optFns...)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return &S3Publisher{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

// Publish uploads the artifact at localPath and returns its s3:// location.
func (p *S3Publisher) Publish(ctx context.Context, job models.Job, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := p.key(job.ID, filepath.Base(localPath))
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
		Metadata: map[string]string{
			"job-id":   job.ID,
			"model-id": job.ModelID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

func (p *S3Publisher) key(jobID, name string) string {
	prefix := strings.Trim(p.prefix, "/")
	if prefix == "" {
		return path.Join(jobID, name)
	}
	return path.Join(prefix, jobID, name)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
