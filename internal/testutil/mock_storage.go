// mock_storage.go - Mock storage implementation for testing
package testutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/storage"
)

// MockStorage implements storage.Store for testing. File contents are
// written under a temp directory so conversions can read them back.
type MockStorage struct {
	files   map[string]*models.FileInfo
	tempDir string
	mu      sync.RWMutex

	// SaveErr, when set, is returned by Save.
	SaveErr error
}

// NewMockStorage creates a new mock storage writing into tempDir
func NewMockStorage(tempDir string) *MockStorage {
	return &MockStorage{
		files:   make(map[string]*models.FileInfo),
		tempDir: tempDir,
	}
}

func (m *MockStorage) Save(name string, r io.Reader) (*models.FileInfo, error) {
	if m.SaveErr != nil {
		return nil, m.SaveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return m.AddFile(generateTestID(), name, data), nil
}

func (m *MockStorage) Get(id string) (*models.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrFileNotFound, id)
	}
	cp := *file
	return &cp, nil
}

func (m *MockStorage) List(limit int) ([]*models.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := make([]*models.FileInfo, 0, len(m.files))
	for _, file := range m.files {
		cp := *file
		files = append(files, &cp)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].UploadedAt.After(files[j].UploadedAt)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func (m *MockStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.files[id]; !exists {
		return fmt.Errorf("%w: %s", storage.ErrFileNotFound, id)
	}
	delete(m.files, id)
	return os.Remove(m.path(id))
}

func (m *MockStorage) Rename(id string, newName string) (*models.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrFileNotFound, id)
	}
	file.Name = newName
	cp := *file
	return &cp, nil
}

func (m *MockStorage) SetStatus(id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.files[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrFileNotFound, id)
	}
	file.Status = status
	return nil
}

func (m *MockStorage) GetFilePath(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.files[id]; !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrFileNotFound, id)
	}
	return m.path(id), nil
}

func (m *MockStorage) path(id string) string {
	return filepath.Join(m.tempDir, id+".csv")
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

// Test Helper Methods

// AddFile writes the file to disk and adds it to the mock
func (m *MockStorage) AddFile(id string, name string, data []byte) *models.FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.WriteFile(m.path(id), data, 0644); err != nil {
		panic(fmt.Sprintf("failed to write test file: %v", err))
	}

	file := &models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       int64(len(data)),
		UploadedAt: time.Now(),
		Status:     storage.StatusUploaded,
	}
	m.files[id] = file
	cp := *file
	return &cp
}

// GetFileData returns the file content
func (m *MockStorage) GetFileData(id string) ([]byte, error) {
	path, err := m.GetFilePath(id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// GetFileCount returns the number of stored files
func (m *MockStorage) GetFileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// generateTestID generates a simple test ID
var testIDCounter int
var testIDMutex sync.Mutex

func generateTestID() string {
	testIDMutex.Lock()
	defer testIDMutex.Unlock()
	testIDCounter++
	return fmt.Sprintf("test-id-%d", testIDCounter)
}
