package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/google/uuid"
)

// ErrFileNotFound is returned for unknown file IDs.
var ErrFileNotFound = errors.New("file not found")

// File status values.
const (
	StatusUploaded   = "uploaded"
	StatusConverting = "converting"
	StatusConverted  = "converted"
	StatusError      = "error"
)

const infoSuffix = ".json"

// Store defines the interface for export file storage.
type Store interface {
	Save(name string, r io.Reader) (*models.FileInfo, error)
	Get(id string) (*models.FileInfo, error)
	List(limit int) ([]*models.FileInfo, error)
	Delete(id string) error
	Rename(id string, newName string) (*models.FileInfo, error)
	SetStatus(id string, status string) error
	GetFilePath(id string) (string, error)
}

// LocalStore implements Store using the local filesystem. Each upload is
// kept under its UUID next to a JSON sidecar holding its FileInfo, so the
// index survives restarts.
type LocalStore struct {
	mu        sync.RWMutex
	uploadDir string
	files     map[string]*models.FileInfo
}

// NewLocalStore creates a new LocalStore and indexes files already present.
func NewLocalStore(uploadDir string) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	s := &LocalStore{
		uploadDir: uploadDir,
		files:     make(map[string]*models.FileInfo),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) loadIndex() error {
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		return fmt.Errorf("reading upload directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), infoSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.uploadDir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var info models.FileInfo
		if err := json.Unmarshal(data, &info); err != nil {
			slog.Warn("skipping unreadable file record", "component", "storage", "file", e.Name(), "error", err)
			continue
		}
		if _, err := os.Stat(filepath.Join(s.uploadDir, info.ID)); err != nil {
			continue
		}
		// A conversion interrupted by a restart has to be run again.
		if info.Status == StatusConverting {
			info.Status = StatusUploaded
		}
		s.files[info.ID] = &info
	}
	return nil
}

// writeInfo persists info; callers hold s.mu.
func (s *LocalStore) writeInfo(info *models.FileInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.uploadDir, info.ID+infoSuffix), data, 0644)
}

// Save saves a file to the local filesystem.
func (s *LocalStore) Save(name string, r io.Reader) (*models.FileInfo, error) {
	id := uuid.New().String()
	path := filepath.Join(s.uploadDir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}

	info := &models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       size,
		UploadedAt: time.Now(),
		Status:     StatusUploaded,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeInfo(info); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file record: %w", err)
	}
	s.files[id] = info

	return info, nil
}

// Get retrieves file metadata by ID. The returned value is a copy.
func (s *LocalStore) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	out := *info
	return &out, nil
}

// List returns the most recent files.
func (s *LocalStore) List(limit int) ([]*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.FileInfo, 0, len(s.files))
	for _, info := range s.files {
		out := *info
		list = append(list, &out)
	}

	// Sort by UploadedAt desc
	sort.Slice(list, func(i, j int) bool {
		return list[i].UploadedAt.After(list[j].UploadedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	return list, nil
}

// Delete removes a file and its record from storage.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	for _, path := range []string{filepath.Join(s.uploadDir, id), filepath.Join(s.uploadDir, id+infoSuffix)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting file: %w", err)
		}
	}

	delete(s.files, id)
	return nil
}

// Rename updates the display name of a file.
func (s *LocalStore) Rename(id string, newName string) (*models.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	info.Name = newName
	if err := s.writeInfo(info); err != nil {
		return nil, fmt.Errorf("writing file record: %w", err)
	}
	out := *info
	return &out, nil
}

// SetStatus records the conversion state of a file.
func (s *LocalStore) SetStatus(id string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	info.Status = status
	return s.writeInfo(info)
}

// GetFilePath returns the absolute path to a file.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.files[id]; !ok {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	return filepath.Join(s.uploadDir, id), nil
}
