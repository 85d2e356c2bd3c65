// Package store keeps the captured stills.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/camlink/camlink/pkg/config"
	"github.com/camlink/camlink/pkg/logger"
)

type Store interface {
	Save(ctx context.Context, name string, data []byte, meta map[string]string) error
	Load(ctx context.Context, name string) ([]byte, error)
	Has(ctx context.Context, name string) bool
}

var (
	ErrNotFound = errors.New("no such still")
	ErrNoBucket = errors.New("bucket doesn't exist")
)

// New makes the store of the config, nil if it is disabled.
func New(ctx context.Context, conf config.Store, log *logger.Logger) (Store, error) {
	switch conf.Kind {
	case "":
		return nil, nil
	case "local":
		return NewLocal(conf.Dir, log)
	case "s3":
		s3 := conf.S3
		return NewS3(ctx, S3Options{
			Endpoint:  s3.Endpoint,
			Bucket:    s3.Bucket,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Region:    s3.Region,
			Secure:    s3.Secure,
		}, log)
	}
	return nil, fmt.Errorf("unknown store %q", conf.Kind)
}
