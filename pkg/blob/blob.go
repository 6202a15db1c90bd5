// Package blob abstracts the object store holding raw file bytes. The
// production implementation talks to an S3-compatible endpoint; an in-memory
// implementation backs tests and local development.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("blob not found")
)

// Signed URL lifetimes are clamped to this range.
const (
	MinURLTTL = 5 * time.Minute
	MaxURLTTL = time.Hour
)

// Info is object metadata, used to confirm a blob exists and detect orphaned
// records.
type Info struct {
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Store is the object-store contract the handlers depend on. Upload with an
// existing key overwrites, so retries are safe.
type Store interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Info, error)
	// SignedDownloadURL returns a time-boxed URL that serves the blob as an
	// attachment named filename.
	SignedDownloadURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
	// SignedUploadURL returns a time-boxed URL the client can PUT the blob to
	// directly, bypassing this service.
	SignedUploadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ClampTTL forces a signed-URL lifetime into the allowed range.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinURLTTL {
		return MinURLTTL
	}
	if ttl > MaxURLTTL {
		return MaxURLTTL
	}
	return ttl
}

// UploadWithRetry uploads through s with up to three attempts and exponential
// backoff starting at 300ms. Not-found class errors are returned immediately;
// so is context cancellation. The reader must be an io.ReadSeeker so failed
// attempts can rewind.
func UploadWithRetry(ctx context.Context, s Store, key, contentType string, r io.ReadSeeker, size int64) error {
	backoff := 300 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if _, serr := r.Seek(0, io.SeekStart); serr != nil {
				return serr
			}
		}
		err = s.Upload(ctx, key, contentType, r, size)
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
