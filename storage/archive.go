package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/inboxguard/inboxguard/helpers"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/retry"
)

// Archiver uploads the artifacts of a run under
// <prefix>/<domain>/<local part>/<run id>/.
type Archiver struct {
	store  ObjectStore
	prefix string
	email  string
	retry  retry.BackoffConfig
}

func NewArchiver(store ObjectStore, prefix, email string) *Archiver {
	return &Archiver{
		store:  store,
		prefix: prefix,
		email:  email,
		retry: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      2,
		},
	}
}

// WithRetry replaces the upload backoff.
func (a *Archiver) WithRetry(cfg retry.BackoffConfig) *Archiver {
	a.retry = cfg
	return a
}

// ArchiveRun uploads every existing file of paths and returns the keys
// written. Missing files are skipped; the first upload failure is returned
// after the remaining files were attempted.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string, paths []string) ([]string, error) {
	var keys []string
	var errs []error
	for _, path := range paths {
		key, err := helpers.NewArchiveKey(a.prefix, a.email, runID, filepath.Base(path))
		if err != nil {
			return keys, err
		}
		err = a.upload(ctx, key, path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Debugf("[STORAGE] skipping missing artifact %s", path)
		case err != nil:
			errs = append(errs, fmt.Errorf("failed to archive %s: %w", filepath.Base(path), err))
		default:
			keys = append(keys, key)
		}
	}
	return keys, errors.Join(errs...)
}

func (a *Archiver) upload(ctx context.Context, key, path string) error {
	// Read up front: the pipeline log may still be growing.
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return retry.WithRetryAdvanced(ctx, func() error {
		return a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
	}, a.retry)
}
