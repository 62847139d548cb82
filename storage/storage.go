// Package storage archives run artifacts (the outcomes file and the
// pipeline log) to S3-compatible object storage.
//
// # Encryption
//
// When an encryption key is configured, objects are encrypted client-side
// using AES-256-GCM before upload. The key is a 32-byte hex-encoded string.
//
// # Usage Example
//
//	s3, err := storage.New(cfg.Archive)
//	if err != nil {
//		return err
//	}
//	archiver := storage.NewArchiver(s3, cfg.Archive.Prefix, email)
//	keys, err := archiver.ArchiveRun(ctx, runID, []string{outcomesPath, pipelineLog})
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/metrics"
)

// ObjectStore is the subset of S3 the archiver needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// New creates a MinIO client for the archive section.
func New(cfg config.ArchiveConfig) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("[STORAGE] failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if cfg.Debug {
		client.TraceOn(os.Stderr)
	}

	s := &S3Storage{Client: client, BucketName: cfg.Bucket}
	if cfg.EncryptionKey != "" {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption enables client-side encryption
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	key, err := ParseEncryptionKey(encryptionKey)
	if err != nil {
		return err
	}
	s.Encrypt = true
	s.EncryptionKey = key
	logger.Info("[STORAGE] client-side encryption enabled")
	return nil
}

// ParseEncryptionKey decodes a 64 character hex key.
func ParseEncryptionKey(encryptionKey string) ([]byte, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key is required when encryption is enabled")
	}
	key, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	return key, nil
}

func observe(op string, start time.Time, err error) {
	metrics.ArchiveOperations.WithLabelValues(op, metrics.Result(err)).Inc()
	if err != nil {
		logger.Debugf("[STORAGE] %s failed after %s (%s): %v", op, time.Since(start), classifyS3Error(err), err)
	}
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { observe("put", start, err) }()

	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}
		encrypted, err := encryptData(s.EncryptionKey, data)
		if err != nil {
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		body, size = bytes.NewReader(encrypted), int64(len(encrypted))
	}

	_, err = s.Client.PutObject(ctx, s.BucketName, key, body, size, minio.PutObjectOptions{SendContentMd5: true})
	return err
}

func (s *S3Storage) Get(ctx context.Context, key string) (_ io.ReadCloser, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if !s.Encrypt {
		return object, nil
	}

	defer object.Close()
	encrypted, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted data: %w", err)
	}
	plain, err := decryptData(s.EncryptionKey, encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// Delete is idempotent: a missing object is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
}

func encryptData(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptData(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error classifies S3 errors for diagnostics
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
