package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an archive backend.
type StoreType string

const (
	StoreTypeNone StoreType = "none"
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// Options selects and configures the archive backend.
type Options struct {
	Type     StoreType `yaml:"type"`
	Dir      string    `yaml:"dir"`
	Bucket   string    `yaml:"bucket"`
	Prefix   string    `yaml:"prefix"`
	Region   string    `yaml:"region"`
	Endpoint string    `yaml:"endpoint"`
}

// OptionsFromEnv reads the archive options.
//
// Environment variables:
//   - ARCHIVE_STORAGE_TYPE: "none" (default), "fs", "s3" or "gcs"
//   - DATA_DIR: base directory of the fs backend (default "data")
//   - ARCHIVE_BUCKET, ARCHIVE_PREFIX: s3 and gcs
//   - ARCHIVE_S3_REGION (falls back to AWS_REGION), ARCHIVE_S3_ENDPOINT: s3
func OptionsFromEnv() Options {
	opts := Options{
		Type:     StoreType(os.Getenv("ARCHIVE_STORAGE_TYPE")),
		Dir:      os.Getenv("DATA_DIR"),
		Bucket:   os.Getenv("ARCHIVE_BUCKET"),
		Prefix:   os.Getenv("ARCHIVE_PREFIX"),
		Region:   os.Getenv("ARCHIVE_S3_REGION"),
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
	}
	if opts.Region == "" {
		opts.Region = os.Getenv("AWS_REGION")
	}
	return opts
}

// NewStore opens the configured backend. It returns nil for "none".
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "", StoreTypeNone:
		return nil, nil
	case StoreTypeFS:
		dir := opts.Dir
		if dir == "" {
			dir = "data"
		}
		fs, err := NewFileStore(filepath.Join(dir, "envelopes"))
		if err != nil {
			return nil, err
		}
		return fs, nil
	case StoreTypeS3:
		if opts.Region == "" {
			opts.Region = "us-east-1"
		}
		s3s, err := NewS3Store(ctx, S3StoreConfig{
			Bucket:   opts.Bucket,
			Region:   opts.Region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s3s, nil
	case StoreTypeGCS:
		return newGCSStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", opts.Type)
	}
}

// NewStoreFromEnv is NewStore(ctx, OptionsFromEnv()).
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, OptionsFromEnv())
}
