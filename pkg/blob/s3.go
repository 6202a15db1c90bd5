package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store implements Store against any S3-compatible endpoint (AWS S3,
// MinIO, DO Spaces) using the minio client.
type S3Store struct {
	client *minio.Client
	bucket string
}

// S3Config is read from the environment by main.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewS3Store connects to the configured endpoint. It does not create the
// bucket; provisioning is an operator concern.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: connect %s: %w", cfg.Endpoint, err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("blob: upload %s: %w", key, mapErr(err))
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", key, mapErr(err))
	}
	return nil
}

func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob: download %s: %w", key, mapErr(err))
	}
	// GetObject is lazy; a missing key only surfaces on the first read. Stat
	// now so callers get ErrNotFound instead of a mid-stream failure.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("blob: download %s: %w", key, mapErr(err))
	}
	return obj, nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (Info, error) {
	st, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, fmt.Errorf("blob: stat %s: %w", key, mapErr(err))
	}
	return Info{Size: st.Size, ContentType: st.ContentType, ModifiedAt: st.LastModified}, nil
}

func (s *S3Store) SignedDownloadURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ClampTTL(ttl), params)
	if err != nil {
		return "", fmt.Errorf("blob: presign get %s: %w", key, mapErr(err))
	}
	return u.String(), nil
}

func (s *S3Store) SignedUploadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, ClampTTL(ttl))
	if err != nil {
		return "", fmt.Errorf("blob: presign put %s: %w", key, mapErr(err))
	}
	return u.String(), nil
}

// mapErr translates the provider's missing-key responses to ErrNotFound so
// callers can branch without importing minio.
func mapErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == 404 {
		return ErrNotFound
	}
	return err
}
