// Package s3archive offloads large Snapshot bodies (HTML/text) to
// S3-compatible object storage, leaving only a ContentRef in the
// PostgreSQL row.
package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive stores and retrieves large Snapshot bodies out-of-line.
type Archive interface {
	// Store uploads a snapshot's HTML and text bodies, returning a
	// ContentRef to place on the Snapshot row.
	Store(ctx context.Context, snapshotID string, html, text []byte) (string, error)
	// RetrieveHTML fetches the archived HTML body by ContentRef.
	RetrieveHTML(ctx context.Context, ref string) ([]byte, error)
	// RetrieveText fetches the archived text body by ContentRef.
	RetrieveText(ctx context.Context, ref string) ([]byte, error)
}

// S3Archive stores snapshot bodies in S3-compatible storage.
type S3Archive struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// Config holds S3 archive configuration.
type Config struct {
	Bucket          string
	Prefix          string // e.g., "snapshots/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string // Local cache for frequently accessed bodies
}

// New creates a new S3-backed snapshot archive.
func New(cfg Config) (*S3Archive, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &S3Archive{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

// Store uploads both bodies under a shared date-partitioned key prefix and
// returns the ContentRef to persist on the Snapshot row.
func (s *S3Archive) Store(ctx context.Context, snapshotID string, html, text []byte) (string, error) {
	htmlKey := s.buildKey(snapshotID, "html")
	textKey := s.buildKey(snapshotID, "txt")

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(htmlKey),
		Body:        bytes.NewReader(html),
		ContentType: aws.String("text/html"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload snapshot html to S3: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(textKey),
		Body:        bytes.NewReader(text),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload snapshot text to S3: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, snapshotID+".html"), html, 0644)
		_ = os.WriteFile(filepath.Join(s.localCache, snapshotID+".txt"), text, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, s.buildKey(snapshotID, "")), nil
}

func (s *S3Archive) RetrieveHTML(ctx context.Context, ref string) ([]byte, error) {
	return s.retrieve(ctx, ref+".html")
}

func (s *S3Archive) RetrieveText(ctx context.Context, ref string) ([]byte, error) {
	return s.retrieve(ctx, ref+".txt")
}

func (s *S3Archive) retrieve(ctx context.Context, ref string) ([]byte, error) {
	key := s.extractKey(ref)

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot body from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot body: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, filepath.Base(key)), data, 0644)
	}

	return data, nil
}

func (s *S3Archive) buildKey(snapshotID, ext string) string {
	datePart := time.Now().Format("2006/01/02")
	if ext == "" {
		return fmt.Sprintf("%s%s/%s", s.prefix, datePart, snapshotID)
	}
	return fmt.Sprintf("%s%s/%s.%s", s.prefix, datePart, snapshotID, ext)
}

func (s *S3Archive) extractKey(ref string) string {
	if len(ref) > 5 && ref[:5] == "s3://" {
		parts := ref[5:]
		for i, c := range parts {
			if c == '/' {
				return parts[i+1:]
			}
		}
	}
	return ref
}

// LocalArchive stores snapshot bodies on the local filesystem, for
// development or single-node deployments that skip S3 entirely.
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates a local filesystem snapshot archive.
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

func (l *LocalArchive) Store(ctx context.Context, snapshotID string, html, text []byte) (string, error) {
	base := filepath.Join(l.basePath, snapshotID)
	if err := os.WriteFile(base+".html", html, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot html: %w", err)
	}
	if err := os.WriteFile(base+".txt", text, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot text: %w", err)
	}
	return base, nil
}

func (l *LocalArchive) RetrieveHTML(ctx context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref + ".html")
}

func (l *LocalArchive) RetrieveText(ctx context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref + ".txt")
}
