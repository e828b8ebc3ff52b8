// Package media turns stored content locators into inputs ffmpeg can open.
// Local paths must exist on disk; s3:// locators are exchanged for a
// time-limited presigned HTTP URL; http(s) URLs pass through unchanged.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultPresignTTL = 6 * time.Hour

var (
	// ErrContentMissing is returned when a local locator does not exist.
	ErrContentMissing = errors.New("media: content not found")
	// ErrObjectStorageDisabled is returned for s3:// locators when no object
	// storage endpoint is configured.
	ErrObjectStorageDisabled = errors.New("media: object storage not configured")
)

// S3Config configures presigned URL generation.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// PresignTTL bounds how long a presigned URL stays valid. A fresh URL is
	// issued on every process launch.
	PresignTTL time.Duration
}

// Resolver resolves content locators.
type Resolver struct {
	client *minio.Client
	ttl    time.Duration
	stat   func(string) (os.FileInfo, error)
	logger *slog.Logger
}

// NewResolver constructs a Resolver. Object storage is enabled only when an
// endpoint is configured.
func NewResolver(cfg S3Config, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{stat: os.Stat, logger: logger, ttl: cfg.PresignTTL}
	if r.ttl <= 0 {
		r.ttl = defaultPresignTTL
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return r, nil
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	r.client = client
	return r, nil
}

// Resolve returns an input path or URL for locator.
func (r *Resolver) Resolve(ctx context.Context, locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", ErrContentMissing
	}
	switch {
	case strings.HasPrefix(locator, "s3://"):
		return r.presign(ctx, locator)
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return locator, nil
	}
	info, err := r.stat(locator)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrContentMissing, locator)
		}
		return "", fmt.Errorf("stat %s: %w", locator, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrContentMissing, locator)
	}
	return locator, nil
}

func (r *Resolver) presign(ctx context.Context, locator string) (string, error) {
	if r.client == nil {
		return "", ErrObjectStorageDisabled
	}
	bucket, key, err := SplitObjectLocator(locator)
	if err != nil {
		return "", err
	}
	signed, err := r.client.PresignedGetObject(ctx, bucket, key, r.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", locator, err)
	}
	r.logger.Debug("presigned content locator", "bucket", bucket, "key", key, "ttl", r.ttl)
	return signed.String(), nil
}

// SplitObjectLocator parses s3://bucket/key.
func SplitObjectLocator(locator string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(locator, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || strings.Trim(key, "/") == "" {
		return "", "", fmt.Errorf("media: invalid object locator %q", locator)
	}
	return bucket, strings.TrimLeft(key, "/"), nil
}
