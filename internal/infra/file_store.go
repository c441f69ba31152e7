package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

const (
	recordingsDir = "recordings"
	recordingExt  = ".json"
)

var validRecordingID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileRecordingStore implements domain.RecordingStore with one JSON document
// per recording under <dataDir>/recordings.
type FileRecordingStore struct {
	dir string
}

// NewFileRecordingStore creates the recordings directory if needed.
func NewFileRecordingStore(dataDir string) (*FileRecordingStore, error) {
	dir := filepath.Join(dataDir, recordingsDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &FileRecordingStore{dir: dir}, nil
}

// Dir returns the directory holding recording documents.
func (s *FileRecordingStore) Dir() string {
	return s.dir
}

// Put writes the recording atomically (write + rename).
func (s *FileRecordingStore) Put(rec *domain.Recording) error {
	path, err := s.pathFor(rec.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode recording: %w", err)
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	// Unique per process so a concurrent CLI write cannot clobber ours
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Get reads one recording.
func (s *FileRecordingStore) Get(id string) (*domain.Recording, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("recording %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	var rec domain.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("recording %s is corrupt: %w", id, err)
	}
	return &rec, nil
}

// List reads every document, skipping the ones that fail to parse.
func (s *FileRecordingStore) List() ([]*domain.Recording, []domain.SkippedRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recs []*domain.Recording
	var skipped []domain.SkippedRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordingExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			skipped = append(skipped, domain.SkippedRecord{Key: name, Err: err})
			continue
		}
		var rec domain.Recording
		if err := json.Unmarshal(data, &rec); err != nil {
			skipped = append(skipped, domain.SkippedRecord{Key: name, Err: err})
			continue
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, skipped, nil
}

// Delete removes a document. Returns false if it did not exist.
func (s *FileRecordingStore) Delete(id string) (bool, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return false, err
	}
	unlock, err := s.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// pathFor maps an id to its file, refusing anything that could escape dir.
func (s *FileRecordingStore) pathFor(id string) (string, error) {
	if id == "" || id == "." || id == ".." || !validRecordingID.MatchString(id) {
		return "", fmt.Errorf("invalid recording id %q", id)
	}
	return filepath.Join(s.dir, id+recordingExt), nil
}

// lock takes an exclusive flock shared by every process using this store.
func (s *FileRecordingStore) lock() (func(), error) {
	f, err := os.OpenFile(filepath.Join(s.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// Ensure FileRecordingStore implements domain.RecordingStore.
var _ domain.RecordingStore = (*FileRecordingStore)(nil)
