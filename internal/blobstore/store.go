package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetBytes int64 = 10 << 20
	maxPresignTTL            = time.Hour
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
	ErrPermission    = errors.New("blobstore: permission denied")
)

// Store provides durable blob persistence for dataset and result payloads.
//
// Put streams the reader to the backend and never buffers the full body.
// Get returns a reader the caller must close. GetBytes is for small result
// objects only and enforces maxBytes.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (etag string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	GetBytes(ctx context.Context, key string, maxBytes int64) ([]byte, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration, filename string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type PutOptions struct {
	ContentType string
	// ContentLength is a size hint; <= 0 means unknown.
	ContentLength int64
}

type Config struct {
	Driver string
	Prefix string

	// S3 fields.
	Bucket        string
	S3Client      S3Client
	PresignClient PresignClient

	// Retry policy for transient backend errors. Defaults: 3 attempts,
	// 1s base delay doubling per attempt with jitter.
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizeLogicalKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	return strings.Trim(prefix, "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func clampPresignTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > maxPresignTTL {
		return maxPresignTTL
	}
	return ttl
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	etag        string
	updatedAt   time.Time
}

func newMemoryStore(prefix string) Store {
	return &memoryStore{
		prefix:  normalizePrefix(prefix),
		objects: make(map[string]memoryObject),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, r io.Reader, opts PutOptions) (string, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("blobstore/memory: read payload for %q: %w", logicalKey, err)
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, logicalKey)] = memoryObject{
		data:        data,
		contentType: strings.TrimSpace(opts.ContentType),
		etag:        etag,
		updatedAt:   time.Now().UTC(),
	}
	m.mu.Unlock()
	return etag, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
	}
	return io.NopCloser(bytes.NewReader(cloneBytes(obj.data))), nil
}

func (m *memoryStore) GetBytes(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxGetBytes
	}
	rc, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore/memory: read %q: %w", key, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, maxBytes)
	}
	return data, nil
}

// PresignGet returns an opaque memory:// URL carrying the expiry. The memory
// driver exists for tests; the URL is not fetchable.
func (m *memoryStore) PresignGet(_ context.Context, key string, ttl time.Duration, filename string) (string, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	_, ok := m.objects[joinPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
	}
	ttl = clampPresignTTL(ttl)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(time.Now().UTC().Add(ttl).Unix(), 10))
	if filename != "" {
		q.Set("filename", filename)
	}
	return "memory://" + logicalKey + "?" + q.Encode(), nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[joinPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	return ok, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, joinPrefix(m.prefix, logicalKey))
	m.mu.Unlock()
	return nil
}
