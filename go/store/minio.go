package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config dials one bucket of an S3-compatible endpoint.
type Config struct {
	Endpoint  string `long:"endpoint" env:"S3_ENDPOINT" description:"Object store endpoint, host[:port]"`
	AccessKey string `long:"access-key" env:"S3_ACCESS_KEY" description:"Access key"`
	SecretKey string `long:"secret-key" env:"S3_SECRET_KEY" description:"Secret key"`
	Bucket    string `long:"bucket" env:"S3_BUCKET" description:"Bucket name"`
	Secure    bool   `long:"secure" env:"S3_SECURE" description:"Use TLS"`
}

// Validate returns an error if the configuration cannot dial a client.
func (cfg Config) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("missing endpoint")
	} else if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return fmt.Errorf("missing credentials")
	} else if cfg.Bucket == "" {
		return fmt.Errorf("missing bucket")
	}
	return nil
}

type minioBucket struct {
	client *minio.Client
	bucket string
}

// Dial builds a Bucket over the configured S3 endpoint.
func Dial(cfg Config) (Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	var endpoint = strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure || strings.HasPrefix(cfg.Endpoint, "https://"),
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	return &minioBucket{client: client, bucket: cfg.Bucket}, nil
}

func (b *minioBucket) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, asNotExist(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, asNotExist(err)
	}
	return data, nil
}

func (b *minioBucket) Put(ctx context.Context, key string, body []byte, contentType string) error {
	var _, err = b.client.PutObject(ctx, b.bucket, key,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (b *minioBucket) PutIfAbsent(ctx context.Context, key string, body []byte, contentType string) (bool, error) {
	var opts = minio.PutObjectOptions{ContentType: contentType}
	opts.SetMatchETagExcept("*") // If-None-Match: *

	var _, err = b.client.PutObject(ctx, b.bucket, key,
		bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		var resp = minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *minioBucket) Exists(ctx context.Context, key string) (bool, error) {
	var _, err = b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	} else if err = asNotExist(err); err == ErrNotExist {
		return false, nil
	}
	return false, err
}

func (b *minioBucket) Remove(ctx context.Context, key string) error {
	var err = b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && asNotExist(err) == ErrNotExist {
		return nil
	}
	return err
}

func (b *minioBucket) Copy(ctx context.Context, dst, src string) error {
	var _, err = b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: b.bucket, Object: src})
	return err
}

func (b *minioBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range b.client.ListObjects(ctx, b.bucket,
		minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %q: %w", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

func (b *minioBucket) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for obj := range b.client.ListObjects(ctx, b.bucket,
		minio.ListObjectsOptions{Prefix: prefix, Recursive: false}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing prefixes of %q: %w", prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			out = append(out, obj.Key)
		}
	}
	return out, nil
}

func (b *minioBucket) Download(ctx context.Context, key, path string) error {
	return b.client.FGetObject(ctx, b.bucket, key, path, minio.GetObjectOptions{})
}

func (b *minioBucket) Upload(ctx context.Context, path, key, contentType string) error {
	var _, err = b.client.FPutObject(ctx, b.bucket, key, path,
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func asNotExist(err error) error {
	var resp = minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return ErrNotExist
	}
	return err
}
