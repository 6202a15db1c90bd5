package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and local development. URL methods
// return fake but well-formed URLs.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject

	// FailUploads makes every Upload fail until the counter drains; used to
	// exercise retry and compensation paths.
	FailUploads int
}

type memObject struct {
	data        []byte
	contentType string
	modifiedAt  time.Time
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Upload(_ context.Context, key, contentType string, r io.Reader, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUploads > 0 {
		m.FailUploads--
		return fmt.Errorf("blob: upload %s: simulated outage", key)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = memObject{data: data, contentType: contentType, modifiedAt: time.Now()}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Stat(_ context.Context, key string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{Size: int64(len(obj.data)), ContentType: obj.contentType, ModifiedAt: obj.modifiedAt}, nil
}

func (m *Memory) SignedDownloadURL(_ context.Context, key, filename string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("https://blob.test/%s?dl=%s&expires=%d", key, filename, int(ClampTTL(ttl).Seconds())), nil
}

func (m *Memory) SignedUploadURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blob.test/%s?upload=1&expires=%d", key, int(ClampTTL(ttl).Seconds())), nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Has reports whether key currently holds an object.
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Put stores data directly, bypassing Upload; convenient for seeding the
// direct-to-storage upload flow in tests.
func (m *Memory) Put(key, contentType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, contentType: contentType, modifiedAt: time.Now()}
}
