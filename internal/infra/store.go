package infra

import (
	"fmt"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// Store kinds accepted by OpenRecordingStore.
const (
	StoreFile      = "file"
	StoreEncrypted = "encrypted"
)

// OpenRecordingStore builds the configured store. The returned close
// function is always non-nil.
func OpenRecordingStore(kind, dataDir string) (domain.RecordingStore, func() error, error) {
	switch kind {
	case StoreFile, "":
		s, err := NewFileRecordingStore(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	case StoreEncrypted:
		key, err := EnsureKey(KeyProviderFor(dataDir))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load store key: %w", err)
		}
		s, err := NewEncryptedRecordingStore(dataDir, key)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", kind)
}
