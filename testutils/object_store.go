package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBasedS3Mock implements storage.ObjectStore on disk. Keys map to files
// below a base directory.
type FileBasedS3Mock struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error // key -> error to simulate failures
	puts    map[string]int
}

// NewFileBasedS3Mock creates a mock rooted at baseDir.
func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBasedS3Mock{
		baseDir: baseDir,
		errors:  make(map[string]error),
		puts:    make(map[string]int),
	}, nil
}

func (m *FileBasedS3Mock) simulated(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

// Put stores an object as a file.
func (m *FileBasedS3Mock) Put(ctx context.Context, key string, reader io.Reader, size int64) error {
	m.mu.Lock()
	m.puts[key]++
	m.mu.Unlock()

	if err := m.simulated(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath := m.keyToFilePath(key)
	m.mu.Lock()
	err := os.MkdirAll(filepath.Dir(filePath), 0755)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	return nil
}

// Get opens a stored object.
func (m *FileBasedS3Mock) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := m.simulated(key); err != nil {
		return nil, err
	}
	file, err := os.Open(m.keyToFilePath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return file, err
}

// Exists reports whether key is stored.
func (m *FileBasedS3Mock) Exists(_ context.Context, key string) (bool, error) {
	if err := m.simulated(key); err != nil {
		return false, err
	}
	if _, err := os.Stat(m.keyToFilePath(key)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Delete removes key; a missing key is not an error.
func (m *FileBasedS3Mock) Delete(_ context.Context, key string) error {
	if err := m.simulated(key); err != nil {
		return err
	}
	if err := os.Remove(m.keyToFilePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// SetError makes every operation on key fail with err.
func (m *FileBasedS3Mock) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// ClearError removes a simulated failure.
func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// PutAttempts returns how often Put was called for key.
func (m *FileBasedS3Mock) PutAttempts(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts[key]
}

// GetStoredKeys returns every stored key, sorted.
func (m *FileBasedS3Mock) GetStoredKeys() []string {
	var keys []string
	filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		keys = append(keys, m.filePathToKey(path))
		return nil
	})
	sort.Strings(keys)
	return keys
}

// GetStoredData returns the content of key.
func (m *FileBasedS3Mock) GetStoredData(key string) ([]byte, bool) {
	data, err := os.ReadFile(m.keyToFilePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (m *FileBasedS3Mock) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, filepath.FromSlash(key))
}

func (m *FileBasedS3Mock) filePathToKey(filePath string) string {
	rel, err := filepath.Rel(m.baseDir, filePath)
	if err != nil {
		return filePath
	}
	return strings.ReplaceAll(rel, string(filepath.Separator), "/")
}
