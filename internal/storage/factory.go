package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/starford/mediacat/internal/apperr"
)

// Config selects and configures a backend.
type Config struct {
	Kind     string // KindLocal or KindCloud
	Root     string // documents directory for the local variant
	Subdir   string // well-known library subdirectory, DefaultSubdir when empty
	Debounce time.Duration

	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	CacheDir     string
	PollInterval time.Duration
}

// New builds the backend named by cfg.Kind.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	subdir := cfg.Subdir
	if subdir == "" {
		subdir = DefaultSubdir
	}
	switch cfg.Kind {
	case KindLocal, "":
		return NewLocal(filepath.Join(cfg.Root, subdir), cfg.Debounce, logger)
	case KindCloud:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewCloud(client, CloudOptions{
			Bucket:       cfg.Bucket,
			Prefix:       path.Join(cfg.Prefix, subdir),
			CacheDir:     filepath.Join(cfg.CacheDir, subdir),
			PollInterval: cfg.PollInterval,
			Debounce:     cfg.Debounce,
			Logger:       logger,
		})
	}
	return nil, fmt.Errorf("storage: unknown backend %q: %w", cfg.Kind, apperr.ErrInvalidArgument)
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
