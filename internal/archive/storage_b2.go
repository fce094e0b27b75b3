package archive

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"satspay/internal/logging"
)

const defaultB2Endpoint = "s3.us-east-005.backblazeb2.com"

// B2Object is the part of *minio.Object that Load needs.
type B2Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// B2Client is the subset of the minio client used by B2Storage.
type B2Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (B2Object, error)
}

type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (B2Object, error) {
	obj, err := c.Client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// B2Config holds configuration for B2 storage.
type B2Config struct {
	KeyID    string // B2_KEY_ID
	AppKey   string // B2_APP_KEY
	Bucket   string // B2_BUCKET
	Prefix   string // B2_PREFIX
	Endpoint string // B2_ENDPOINT, defaults to us-east-005
}

// B2Storage implements Storage using Backblaze B2 via its S3-compatible API.
type B2Storage struct {
	client B2Client
	bucket string
	prefix string
}

// NewB2Storage creates a new B2-backed storage.
func NewB2Storage(cfg B2Config) (*B2Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultB2Endpoint
	}
	logging.B2.Printf("initializing receipt storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, endpoint)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.B2.Printf("failed to create client: %v", err)
		return nil, err
	}
	return NewB2StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewB2StorageWithClient is NewB2Storage over an existing client.
func NewB2StorageWithClient(client B2Client, bucket, prefix string) *B2Storage {
	return &B2Storage{client: client, bucket: bucket, prefix: prefix}
}

func (s *B2Storage) key(key string) string {
	name := key + ".json"
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *B2Storage) Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	object := s.key(key)
	info, err := s.client.PutObject(ctx, s.bucket, object, data, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		logging.B2.Printf("upload failed for %s: %v", object, err)
		return 0, err
	}
	logging.B2.Printf("uploaded %s (%d bytes)", object, info.Size)
	return info.Size, nil
}

func (s *B2Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	object := s.key(key)

	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logging.B2.Printf("failed to get object %s: %v", object, err)
		return nil, err
	}

	// GetObject is lazy; Stat is the first call that reaches the bucket.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		logging.B2.Printf("failed to stat object %s: %v", object, err)
		return nil, err
	}
	return obj, nil
}
