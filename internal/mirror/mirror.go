// Package mirror copies week bundles to object storage
package mirror

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/creasty/defaults"
)

const (
	KindMinIO = "minio"
	KindAzure = "azure"

	bundleContentType = "application/zip"
)

type Config struct {
	Kind   string       `yaml:"kind"`
	Prefix string       `yaml:"prefix" default:"archives"`
	MinIO  *MinIOConfig `yaml:"minio,omitempty"`
	Azure  *AzureConfig `yaml:"azure,omitempty"`
}

type unmarshalledConfig Config

func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	tmp := new(unmarshalledConfig)
	if err := defaults.Set(tmp); err != nil {
		return err
	}
	if err := unmarshal(tmp); err != nil {
		return err
	}
	*c = Config(*tmp)
	return nil
}

// Publisher stores an object under key
type Publisher interface {
	Publish(ctx context.Context, key string, reader io.Reader, size int64) error
}

// New creates the Publisher for config.Kind, keys are prefixed with config.Prefix
func New(ctx context.Context, config Config) (Publisher, error) {
	var (
		publisher Publisher
		err       error
	)
	switch config.Kind {
	case KindMinIO:
		if config.MinIO == nil {
			return nil, fmt.Errorf("mirror kind %q needs a minio section", config.Kind)
		}
		publisher, err = NewMinIOPublisher(ctx, *config.MinIO)
	case KindAzure:
		if config.Azure == nil {
			return nil, fmt.Errorf("mirror kind %q needs an azure section", config.Kind)
		}
		publisher, err = NewAzureBlobPublisher(ctx, *config.Azure)
	default:
		return nil, fmt.Errorf("unknown mirror kind %q, use %q or %q", config.Kind, KindMinIO, KindAzure)
	}
	if err != nil {
		return nil, err
	}
	return &prefixed{prefix: config.Prefix, next: publisher}, nil
}

type prefixed struct {
	prefix string
	next   Publisher
}

func (p *prefixed) Publish(ctx context.Context, key string, reader io.Reader, size int64) error {
	return p.next.Publish(ctx, path.Join(p.prefix, key), reader, size)
}
