package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type PresignClient interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type s3Store struct {
	client  S3Client
	presign PresignClient
	bucket  string
	prefix  string

	retryAttempts  int
	retryBaseDelay time.Duration
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	return &s3Store{
		client:         cfg.S3Client,
		presign:        cfg.PresignClient,
		bucket:         bucket,
		prefix:         normalizePrefix(cfg.Prefix),
		retryAttempts:  attempts,
		retryBaseDelay: baseDelay,
	}, nil
}

// Put streams the reader to S3. Streaming bodies are not retried; a transient
// failure surfaces to the caller, which owns re-reading the source.
func (s *s3Store) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (string, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
		Body:   r,
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if opts.ContentLength > 0 {
		input.ContentLength = aws.Int64(opts.ContentLength)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("blobstore/s3: put %q: %w", logicalKey, classify(err))
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

func (s *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return nil, err
	}
	var body io.ReadCloser
	err = s.withRetry(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
		})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
		}
		return nil, fmt.Errorf("blobstore/s3: get %q: %w", logicalKey, classify(err))
	}
	return body, nil
}

func (s *s3Store) GetBytes(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxGetBytes
	}
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, maxBytes)
	}
	return data, nil
}

func (s *s3Store) PresignGet(ctx context.Context, key string, ttl time.Duration, filename string) (string, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return "", err
	}
	if s.presign == nil {
		return "", fmt.Errorf("%w: presign client is required", ErrInvalidConfig)
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", filename))
	}
	req, err := s.presign.PresignGetObject(ctx, input, func(po *s3.PresignOptions) {
		po.Expires = clampPresignTTL(ttl)
	})
	if err != nil {
		return "", fmt.Errorf("blobstore/s3: presign %q: %w", logicalKey, classify(err))
	}
	return req.URL, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return false, err
	}
	err = s.withRetry(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/s3: head %q: %w", logicalKey, classify(err))
	}
	return true, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
		})
		return err
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("blobstore/s3: delete %q: %w", logicalKey, classify(err))
	}
	return nil
}

// withRetry runs fn up to retryAttempts times with exponential backoff and
// jitter. Only transient errors are retried; permission and not-found errors
// fail fast.
func (s *s3Store) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := s.retryBaseDelay
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == s.retryAttempts {
			return lastErr
		}
		jittered := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
	}
	return lastErr
}

func classify(err error) error {
	if isPermission(err) {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}

func isPermission(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "403":
		return true
	default:
		return false
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if isPermission(err) || isNotFound(err) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException", "RequestThrottled":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	// Network-level failures (dial, reset, timeout) arrive unwrapped.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
