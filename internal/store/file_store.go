package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/brightloom/tilesched/internal/common"
	"github.com/brightloom/tilesched/internal/models"
)

// FileStore tracks uploaded file identity and owns the on-disk layout for
// both uploads and per-job result directories.
type FileStore struct {
	mu         sync.Mutex
	files      map[string]*models.File
	uploadDir  string
	resultsDir string
}

// NewFileStore creates a file store rooted at dataDir, creating the
// uploads/ and results/ subdirectories if they don't already exist.
func NewFileStore(dataDir string) (*FileStore, error) {
	uploadDir := filepath.Join(dataDir, "uploads")
	resultsDir := filepath.Join(dataDir, "results")

	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results dir: %w", err)
	}

	return &FileStore{
		files:      make(map[string]*models.File),
		uploadDir:  uploadDir,
		resultsDir: resultsDir,
	}, nil
}

// SaveUpload streams src to disk under a generated file ID and records its
// ownership metadata. src is drained here; closing it is left to the
// caller.
func (s *FileStore) SaveUpload(userID, filename, contentType string, src io.Reader) (models.File, error) {
	fileID := common.NewID()
	diskName := fileID + filepath.Ext(filename)
	diskPath := filepath.Join(s.uploadDir, diskName)

	dst, err := os.Create(diskPath)
	if err != nil {
		return models.File{}, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return models.File{}, fmt.Errorf("failed to write upload file: %w", err)
	}

	if filename == "" {
		filename = diskName
	}

	file := &models.File{
		ID:          fileID,
		UserID:      userID,
		DiskPath:    diskPath,
		Filename:    filename,
		ContentType: contentType,
	}

	s.mu.Lock()
	s.files[fileID] = file
	s.mu.Unlock()

	return *file, nil
}

// Restore reinserts an uploaded file's identity exactly as given, for
// replaying a badger snapshot at startup. The file's bytes on disk are
// assumed to already exist at DiskPath; only the identity record is
// recreated.
func (s *FileStore) Restore(file models.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := file
	s.files[f.ID] = &f
}

// ListAll returns a snapshot of every uploaded file's identity, in no
// particular order. Used by the badger snapshot loop.
func (s *FileStore) ListAll() []models.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, *f)
	}
	return out
}

// GetInfo returns the stored metadata for fileID, or ok=false if unknown.
func (s *FileStore) GetInfo(fileID string) (models.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return models.File{}, false
	}
	return *f, true
}

// OwnedBy reports whether fileID exists and is owned by userID.
func (s *FileStore) OwnedBy(fileID, userID string) bool {
	f, ok := s.GetInfo(fileID)
	return ok && f.UserID == userID
}

// GetDiskPath returns the on-disk path backing fileID.
func (s *FileStore) GetDiskPath(fileID string) (string, bool) {
	f, ok := s.GetInfo(fileID)
	if !ok {
		return "", false
	}
	return f.DiskPath, true
}

// GetJobDir returns (creating if necessary) the per-job artifact directory.
func (s *FileStore) GetJobDir(jobID string) (string, error) {
	jobDir := filepath.Join(s.resultsDir, jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	return jobDir, nil
}
