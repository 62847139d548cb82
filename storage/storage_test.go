package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/pkg/retry"
	"github.com/inboxguard/inboxguard/storage"
	"github.com/inboxguard/inboxguard/testutils"
)

func newMock(t *testing.T) *testutils.FileBasedS3Mock {
	t.Helper()
	m, err := testutils.NewFileBasedS3Mock(filepath.Join(t.TempDir(), "bucket"))
	require.NoError(t, err)
	return m
}

func fastRetry() retry.BackoffConfig {
	return retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2}
}

func TestArchiveRun(t *testing.T) {
	dir := t.TempDir()
	outcomes := filepath.Join(dir, "outcomes-r1.json")
	pipelineLog := filepath.Join(dir, "pipeline.log")
	require.NoError(t, os.WriteFile(outcomes, []byte(`{"run_id":"r1"}`), 0644))
	require.NoError(t, os.WriteFile(pipelineLog, []byte("line\n"), 0644))

	store := newMock(t)
	a := storage.NewArchiver(store, "inboxguard", "Alice@Example.com").WithRetry(fastRetry())

	keys, err := a.ArchiveRun(context.Background(), "r1", []string{outcomes, pipelineLog, filepath.Join(dir, "absent.log")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"inboxguard/example.com/alice/r1/outcomes-r1.json",
		"inboxguard/example.com/alice/r1/pipeline.log",
	}, keys)
	assert.Equal(t, keys, store.GetStoredKeys())

	data, ok := store.GetStoredData(keys[1])
	require.True(t, ok)
	assert.Equal(t, "line\n", string(data))
}

func TestArchiveRunRetriesAndReportsFailures(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "pipeline.log")
	bad := filepath.Join(dir, "outcomes-r2.json")
	require.NoError(t, os.WriteFile(good, []byte("ok"), 0644))
	require.NoError(t, os.WriteFile(bad, []byte("{}"), 0644))

	store := newMock(t)
	badKey := "example.com/bob/r2/outcomes-r2.json"
	store.SetError(badKey, errors.New("SlowDown"))

	a := storage.NewArchiver(store, "", "bob@example.com").WithRetry(fastRetry())
	keys, err := a.ArchiveRun(context.Background(), "r2", []string{bad, good})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outcomes-r2.json")
	assert.Equal(t, []string{"example.com/bob/r2/pipeline.log"}, keys, "later files still uploaded")
	assert.Equal(t, 3, store.PutAttempts(badKey))
}

func TestArchiveRunRejectsInvalidAddress(t *testing.T) {
	a := storage.NewArchiver(newMock(t), "", "not-an-address")
	_, err := a.ArchiveRun(context.Background(), "r", []string{"x"})
	assert.Error(t, err)
}

func TestParseEncryptionKey(t *testing.T) {
	key, err := storage.ParseEncryptionKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		_, err := storage.ParseEncryptionKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := storage.New(config.ArchiveConfig{Bucket: "b"})
	assert.Error(t, err)

	s, err := storage.New(config.ArchiveConfig{
		Endpoint:      "localhost:9000",
		Bucket:        "runs",
		DisableTLS:    true,
		EncryptionKey: strings.Repeat("0f", 32),
	})
	require.NoError(t, err)
	assert.True(t, s.Encrypt)
	assert.Equal(t, "runs", s.BucketName)

	_, err = storage.New(config.ArchiveConfig{Endpoint: "localhost:9000", Bucket: "runs", EncryptionKey: "short"})
	assert.Error(t, err)
}
