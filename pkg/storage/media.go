package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Scheme prefixes media references stored in the object store.
const Scheme = "minio"

const defaultPresignExpiry = time.Hour

// ErrInvalidReference marks references that can never resolve.
var ErrInvalidReference = errors.New("invalid media reference")

// ObjectStore provides access to object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	Bucket() string
}

// MediaResolver turns a session's video_source_url into a URL a provider can fetch.
type MediaResolver struct {
	store  ObjectStore
	expiry time.Duration
}

// NewMediaResolver builds a resolver. store may be nil, in which case only
// http(s) references resolve.
func NewMediaResolver(store ObjectStore, expiry time.Duration) *MediaResolver {
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	return &MediaResolver{store: store, expiry: expiry}
}

// Resolve returns http(s) references unchanged and presigns minio://bucket/key references.
func (r *MediaResolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	switch u.Scheme {
	case "http", "https":
		return ref, nil
	case Scheme:
		if r.store == nil {
			return "", fmt.Errorf("%w: object storage not configured for %s", ErrInvalidReference, ref)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return "", fmt.Errorf("%w: malformed %q", ErrInvalidReference, ref)
		}
		return r.store.PresignGet(ctx, u.Host, key, r.expiry)
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReference, u.Scheme)
	}
}

// Ref builds the minio:// reference for an object.
func Ref(bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, bucket, strings.TrimPrefix(key, "/"))
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Bucket returns the default bucket uploads go to.
func (m *MinioStore) Bucket() string {
	return m.bucket
}

// Put uploads an object into the default bucket.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if bucket == "" {
		bucket = m.bucket
	}
	url, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}
