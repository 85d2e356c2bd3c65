package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"path"

	"github.com/camlink/camlink/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

type S3 struct {
	c      *minio.Client
	bucket string
	log    *logger.Logger
}

func NewS3(ctx context.Context, opts S3Options, log *logger.Logger) (*S3, error) {
	c, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := c.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNoBucket
	}

	return &S3{bucket: opts.Bucket, c: c, log: log}, nil
}

func (s *S3) Save(ctx context.Context, name string, data []byte, meta map[string]string) error {
	opts := minio.PutObjectOptions{
		ContentType:    contentType(name),
		SendContentMd5: true,
	}
	if meta != nil {
		opts.UserMetadata = meta
	}
	info, err := s.c.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return err
	}
	s.log.Debug().Str("key", info.Key).Int64("size", info.Size).Msg("Uploaded")
	return nil
}

func (s *S3) Load(ctx context.Context, name string) (data []byte, err error) {
	r, err := s.c.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, r.Close()) }()

	data, err = io.ReadAll(r)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.Join(ErrNotFound, err)
		}
		return nil, err
	}
	return data, nil
}

func (s *S3) Has(ctx context.Context, name string) bool {
	_, err := s.c.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	return err == nil
}

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
