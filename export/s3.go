// Package export uploads finished batch artifacts to S3 so results can be
// shared beyond the local machine.
package export

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
)

// ObjectPutter is the slice of the S3 client the exporter needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter copies artifact files to an S3 bucket.
type Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
}

// New builds an exporter with the default AWS credential chain.
func New(ctx context.Context, bucket, prefix, region string) (*Exporter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("export: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	return &Exporter{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewWithClient builds an exporter around an existing client. Used in tests.
func NewWithClient(client ObjectPutter, bucket, prefix string) *Exporter {
	return &Exporter{client: client, bucket: bucket, prefix: prefix}
}

// UploadBatch uploads every file under dir to s3://bucket/prefix/batchID/.
// It returns the object keys written.
func (e *Exporter) UploadBatch(ctx context.Context, batchID, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("export: read artifact dir: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key := e.objectKey(batchID, entry.Name())
		if err := e.uploadFile(ctx, key, filepath.Join(dir, entry.Name())); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// UploadFile uploads one artifact file and returns its object key.
func (e *Exporter) UploadFile(ctx context.Context, batchID, filePath string) (string, error) {
	key := e.objectKey(batchID, filepath.Base(filePath))
	if err := e.uploadFile(ctx, key, filePath); err != nil {
		return "", err
	}
	return key, nil
}

func (e *Exporter) uploadFile(ctx context.Context, key, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("export: open %s: %w", filePath, err)
	}
	defer f.Close()

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(filePath)),
	})
	if err != nil {
		return fmt.Errorf("export: put %s: %w", key, err)
	}
	return nil
}

func (e *Exporter) objectKey(batchID, name string) string {
	parts := []string{}
	if e.prefix != "" {
		parts = append(parts, strings.Trim(e.prefix, "/"))
	}
	parts = append(parts, batchID, name)
	return path.Join(parts...)
}

func contentType(filePath string) string {
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".raw":
		return "application/octet-stream"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}
